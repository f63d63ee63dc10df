package export

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang/glog"

	"github.com/hb9tf/hfstream/sdr"
)

const (
	sqliteCreateTableTmpl = `CREATE TABLE IF NOT EXISTS events (
		"ID"            INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		"Identifier"    TEXT NOT NULL,
		"Source"        TEXT NOT NULL,
		"StreamID"      TEXT,
		"Kind"          TEXT NOT NULL,
		"Time"          INTEGER,
		"Channel"       INTEGER,
		"Frequency"     INTEGER,
		"SampleRate"    INTEGER,
		"Held"          INTEGER,
		"RingDropped"   INTEGER,
		"DriverDropped" INTEGER,
		"Failed"        INTEGER,
		"Message"       TEXT
	);`
	insertEventTmpl = `INSERT INTO events (
		Identifier,
		Source,
		StreamID,
		Kind,
		Time,
		Channel,
		Frequency,
		SampleRate,
		Held,
		RingDropped,
		DriverDropped,
		Failed,
		Message
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
)

// SQLite stores events in a sqlite DB opened with the go-sqlite3 driver.
type SQLite struct {
	DB *sql.DB
}

func (s *SQLite) Write(ctx context.Context, events <-chan sdr.Event) error {
	return writeSQL(ctx, s.DB, sqliteCreateTableTmpl, "sqlite", events)
}

// writeSQL creates the events table and inserts every event. Insert errors are
// counted and logged, they do not end the export.
func writeSQL(ctx context.Context, db *sql.DB, createTable, name string, events <-chan sdr.Event) error {
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("unable to create table: %s", err)
	}
	insert, err := db.PrepareContext(ctx, insertEventTmpl)
	if err != nil {
		return fmt.Errorf("unable to prepare insert: %s", err)
	}
	defer insert.Close()

	c := newCounts()
	for {
		var ev sdr.Event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				glog.Infof("Event export counts: %+v\n", c)
				return nil
			}
			ev = e
		}
		c["total"] += 1
		if _, err := insert.ExecContext(ctx, ev.Identifier, ev.Source, ev.StreamID, string(ev.Kind), ev.Time.UnixMilli(), ev.Channel, ev.Frequency, ev.SampleRate, ev.Held, ev.RingDropped, ev.DriverDropped, ev.Failed, ev.Message); err != nil {
			c["error"] += 1
			glog.Warningf("error storing in %s DB: %s\n", name, err)
			continue
		}
		c["success"] += 1
		if c["total"]%exportCountInfo == 0 {
			glog.Infof("Event export counts: %+v\n", c)
		}
	}
}
