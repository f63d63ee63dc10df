package export

import (
	"context"
	"database/sql"

	"github.com/hb9tf/hfstream/sdr"
)

const mysqlCreateTableTmpl = `CREATE TABLE IF NOT EXISTS events (
	ID            BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
	Identifier    VARCHAR(64) NOT NULL,
	Source        VARCHAR(32) NOT NULL,
	StreamID      VARCHAR(36),
	Kind          VARCHAR(16) NOT NULL,
	Time          BIGINT,
	Channel       INT,
	Frequency     BIGINT,
	SampleRate    INT,
	Held          INT,
	RingDropped   BIGINT UNSIGNED,
	DriverDropped BIGINT UNSIGNED,
	Failed        BOOLEAN,
	Message       TEXT
);`

// MySQL stores events in a MySQL DB opened with the go-sql-driver/mysql driver.
type MySQL struct {
	DB *sql.DB
}

func (m *MySQL) Write(ctx context.Context, events <-chan sdr.Event) error {
	return writeSQL(ctx, m.DB, mysqlCreateTableTmpl, "mysql", events)
}
