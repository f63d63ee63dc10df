package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/hb9tf/hfstream/airspyhf"
	"github.com/hb9tf/hfstream/api"
	"github.com/hb9tf/hfstream/discovery"
	"github.com/hb9tf/hfstream/export"
	"github.com/hb9tf/hfstream/filter"
	"github.com/hb9tf/hfstream/sdr"
	"github.com/hb9tf/hfstream/sim"
	"github.com/hb9tf/hfstream/source"

	// Blind import support for sqlite3 used by export.SQLite.
	_ "github.com/mattn/go-sqlite3"
)

// Flags
var (
	identifier = flag.String("id", "", "unique identifier of the receiver instance (random if empty)")
	sdrType    = flag.String("sdr", "airspyhf", "SDR to use (one of: airspyhf, sim)")
	serial     = flag.String("serial", "", "serial number of the receiver in hex, empty picks the first one")
	autostart  = flag.Bool("autostart", false, "start streaming right away")

	sampleRate   = flag.Int("sampleRate", sdr.DefaultSampleRate, "sample rate in samples/s")
	attenuation  = flag.String("attenuation", "agc", "HF attenuation: agc or 0..48dB in 6 dB steps")
	agcThreshold = flag.Bool("agcThreshold", false, "use the high HF AGC threshold (AGC mode only)")
	preamp       = flag.Bool("preamp", false, "enable the HF LNA")
	freq0        = flag.Int64("freq0", sdr.DefaultFrequencies[0], "frequency of channel 0 in Hz")
	freq1        = flag.Int64("freq1", sdr.DefaultFrequencies[1], "frequency of channel 1 in Hz")
	channel      = flag.Int("channel", 0, "channel driving the receiver")

	listen        = flag.String("listen", ":8080", "address of the control API")
	pullInterval  = flag.Duration("pullInterval", 10*time.Millisecond, "interval in which samples are pulled from the buffer")
	blockSize     = flag.Int("blockSize", source.DefaultBlockSize, "sample pairs per snapshot block")
	rawOut        = flag.Bool("rawOut", false, "write raw float32 I/Q samples to stdout")
	statsInterval = flag.Duration("statsInterval", 10*time.Second, "interval of health checks and stats events")
	advertise     = flag.Bool("mdns", true, "advertise the control API via mDNS")

	output      = flag.String("output", "", "Export mechanism to use for events (one of: csv, sqlite, mysql, server), empty disables export")
	filterKinds = flag.String("filterKinds", "started,stopped,tuned", "comma separated list of event kinds to export")
	filterLow   = flag.Int64("filterLowFreq", 0, "only export events at or above this frequency in Hz")
	filterHigh  = flag.Int64("filterHighFreq", 1<<40, "only export events at or below this frequency in Hz")

	// SQLite
	sqliteFile = flag.String("sqliteFile", "/tmp/hfstream", "File path of the sqlite DB file to use.")

	// MySQL
	mysqlServer       = flag.String("mysqlServer", "127.0.0.1:3306", "MySQL TCP server endpoint to connect to (IP/DNS and port).")
	mysqlUser         = flag.String("mysqlUser", "", "MySQL DB user.")
	mysqlPasswordFile = flag.String("mysqlPasswordFile", "", "Path to the file containing the password for the MySQL user.")
	mysqlDBName       = flag.String("mysqlDBName", "hfstream", "Name of the DB to use.")

	// Collector server
	collectServer = flag.String("collectServer", "", "URL of the hfstream collector server to push events to.")
	flushInterval = flag.Duration("flushInterval", 30*time.Second, "push partially filled event batches after this long")
)

func newDriver() sdr.Driver {
	switch strings.ToLower(*sdrType) {
	case airspyhf.SourceName:
		return &airspyhf.SDR{}
	case sim.SourceName:
		return &sim.Driver{ToneOffset: 10000, Noise: 0.05, Realtime: true}
	default:
		glog.Exitf("%q is not a supported SDR type, pick one of: airspyhf, sim", *sdrType)
	}
	return nil
}

func newExporter() export.Exporter {
	switch strings.ToLower(*output) {
	case "":
		return nil
	case "csv":
		if *rawOut {
			glog.Exitf("-output=csv and -rawOut both write to stdout, pick one")
		}
		return &export.CSV{}
	case "sqlite":
		db, err := sql.Open("sqlite3", *sqliteFile)
		if err != nil {
			glog.Exitf("unable to open sqlite DB %q: %s", *sqliteFile, err)
		}
		return &export.SQLite{
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
		return &export.MySQL{
			DB: db,
		}
	case "server":
		return &export.Server{
			Server:        *collectServer,
			FlushInterval: *flushInterval,
		}
	default:
		glog.Exitf("%q is not a supported export method, pick one of: csv, sqlite, mysql, server", *output)
	}
	return nil
}

func settingsFromFlags() sdr.Settings {
	settings := sdr.DefaultSettings()
	settings.SampleRate = *sampleRate
	settings.PreampEnabled = *preamp
	settings.Frequencies = [sdr.NumChannels]int64{*freq0, *freq1}
	att, err := sdr.ParseAttenuation(*attenuation)
	if err != nil {
		glog.Exitf("invalid -attenuation: %s", err)
	}
	if err := settings.SetAttenuation(att); err != nil {
		glog.Exitf("invalid -attenuation: %s", err)
	}
	settings.SetAGCThreshold(*agcThreshold)
	return settings
}

// runExport feeds receiver events through the filters into the exporter.
func runExport(ctx context.Context, src *source.Source, exporter export.Exporter) {
	events, cancel := src.Subscribe()
	defer cancel()

	var kinds []sdr.EventKind
	for _, k := range strings.Split(*filterKinds, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, sdr.EventKind(k))
		}
	}
	filtered := make(chan sdr.Event, 100)
	go filter.Filter(events, filtered, []filter.Filterer{
		&filter.FilterKind{Kinds: kinds},
		&filter.FilterFreq{FreqLow: *filterLow, FreqHigh: *filterHigh},
	})
	if err := exporter.Write(ctx, filtered); err != nil && !errors.Is(err, context.Canceled) {
		glog.Errorf("event export failed: %s", err)
	}
}

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *identifier == "" {
		*identifier = uuid.NewString()
		glog.Infof("no -id set, using %s", *identifier)
	}

	// Receiver setup
	src := source.New(*identifier, newDriver())
	defer src.Close()
	if *serial != "" {
		sn, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(*serial), "0x"), 16, 64)
		if err != nil {
			glog.Exitf("invalid -serial %q: %s", *serial, err)
		}
		src.Session().Serial = sn
	}
	src.SetSettings(settingsFromFlags())
	if err := src.SetActiveChannel(*channel); err != nil {
		glog.Exitf("invalid -channel: %s", err)
	}
	if err := src.Initialize(); err != nil {
		glog.Exitf("unable to initialize receiver: %s", err)
	}
	go src.Run(ctx, *statsInterval)

	// Consumer
	pump := &source.Pump{
		Source:    src,
		BlockSize: *blockSize,
	}
	if *rawOut {
		pump.Out = os.Stdout
	}
	control := api.New(src, pump)
	go pump.Run(ctx, *pullInterval)

	// Event export
	if exporter := newExporter(); exporter != nil {
		go runExport(ctx, src, exporter)
	}

	if *autostart {
		if err := src.SetActive(true); err != nil {
			glog.Exitf("unable to start receiver: %s", err)
		}
	}

	// Control API
	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:    *listen,
		Handler: control.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if *advertise {
		_, portRaw, err := net.SplitHostPort(*listen)
		if err != nil {
			glog.Exitf("invalid -listen %q: %s", *listen, err)
		}
		port, err := strconv.Atoi(portRaw)
		if err != nil {
			glog.Exitf("invalid -listen port %q: %s", portRaw, err)
		}
		zc, err := discovery.Advertise("hfstream "+*identifier, port, discovery.TXTRecords(*identifier, *sdrType, src.Settings().DeviceSN))
		if err != nil {
			glog.Warningf("unable to advertise via mDNS: %s\n", err)
		} else {
			defer zc.Shutdown()
		}
	}

	glog.Infof("serving control API on %s%s", *listen, api.BasePath)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		glog.Errorf("control API failed: %s", err)
	}
}
