package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"

	"github.com/hb9tf/hfstream/export"
	"github.com/hb9tf/hfstream/sdr"

	// Blind import support for sqlite3 used by export.SQLite.
	_ "github.com/mattn/go-sqlite3"
)

var (
	listen   = flag.String("listen", ":8443", "")
	certFile = flag.String("certFile", "", "Path of the file containing the certificate (including the chained intermediates and root) for the TLS connection.")
	keyFile  = flag.String("keyFile", "", "Path of the file containing the key for the TLS connection.")
	output   = flag.String("output", "", "Export mechanism to use (one of: csv, sqlite, mysql)")

	// SQLite
	sqliteFile = flag.String("sqliteFile", "/tmp/hfstream", "File path of the sqlite DB file to use.")

	// MySQL
	mysqlServer       = flag.String("mysqlServer", "127.0.0.1:3306", "MySQL TCP server endpoint to connect to (IP/DNS and port).")
	mysqlUser         = flag.String("mysqlUser", "", "MySQL DB user.")
	mysqlPasswordFile = flag.String("mysqlPasswordFile", "", "Path to the file containing the password for the MySQL user.")
	mysqlDBName       = flag.String("mysqlDBName", "hfstream", "Name of the DB to use.")
)

// maxBatch is the largest number of events accepted in one request.
const maxBatch = 10000

type Collector struct {
	events chan<- sdr.Event
}

func (c *Collector) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/"+export.CollectEndpoint, c.collectHandler)
	return r
}

func (c *Collector) collectHandler(ctx *gin.Context) {
	events := []sdr.Event{}
	if err := ctx.ShouldBindJSON(&events); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
		return
	}
	if len(events) > maxBatch {
		ctx.JSON(http.StatusRequestEntityTooLarge, gin.H{"status": "error", "error": "too many events in one batch"})
		return
	}
	for _, ev := range events {
		if ev.Identifier == "" || ev.Kind == "" {
			ctx.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "events need an Identifier and a Kind"})
			return
		}
	}
	for _, ev := range events {
		select {
		case c.events <- ev:
		case <-ctx.Request.Context().Done():
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "request cancelled"})
			return
		}
	}
	ctx.JSON(http.StatusOK, export.CollectResponse{Status: "ok", EventCount: len(events)})
}

func main() {
	ctx := context.Background()
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()
	defer glog.Flush()

	// Exporter setup
	var exporter export.Exporter
	switch strings.ToLower(*output) {
	case "csv":
		exporter = &export.CSV{}
	case "sqlite":
		db, err := sql.Open("sqlite3", *sqliteFile)
		if err != nil {
			glog.Exitf("unable to open sqlite DB %q: %s", *sqliteFile, err)
		}
		exporter = &export.SQLite{
			DB: db,
		}
	case "mysql":
		pass, err := os.ReadFile(*mysqlPasswordFile)
		if err != nil {
			glog.Exitf("unable to read MySQL password file %q: %s\n", *mysqlPasswordFile, err)
		}
		cfg := mysql.Config{
			User:   *mysqlUser,
			Passwd: strings.TrimSpace(string(pass)),
			Net:    "tcp",
			Addr:   *mysqlServer,
			DBName: *mysqlDBName,
		}
		db, err := sql.Open("mysql", cfg.FormatDSN())
		if err != nil {
			glog.Exitf("unable to open MySQL DB %q: %s", *mysqlServer, err)
		}
		db.SetConnMaxLifetime(3 * time.Minute)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		exporter = &export.MySQL{
			DB: db,
		}
	default:
		glog.Exitf("%q is not a supported export method, pick one of: csv, sqlite, mysql", *output)
	}

	// Export events.
	events := make(chan sdr.Event, 1000)
	go func() {
		if err := exporter.Write(ctx, events); err != nil {
			glog.Fatal(err)
		}
	}()

	// Configure and run webserver.
	gin.SetMode(gin.ReleaseMode)
	c := &Collector{events: events}
	server := &http.Server{
		Addr:    *listen,
		Handler: c.Router(),
	}
	if *certFile != "" || *keyFile != "" {
		glog.Fatal(server.ListenAndServeTLS(*certFile, *keyFile))
	} else {
		glog.Infoln("Resorting to serving HTTP because there was no certificate and key defined.")
		glog.Fatal(server.ListenAndServe())
	}
}
