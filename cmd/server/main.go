package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ninibe/bigduration"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/epokhe/caskdb/cmd/remote"
	"github.com/epokhe/caskdb/core"
)

var (
	dbPath        = flag.String("dir", "", "path to data directory")
	addr          = flag.String("addr", ":1729", "RPC listen address")
	maxFileSize   = flag.Int64("max-file-size", 256*1024*1024, "maximum data segment size in bytes")
	mergeInterval = flag.String("merge-interval", "12h", "pause between merge runs, e.g. 30m, 12h, 1day")
	fsync         = flag.Bool("fsync", false, "fsync every record append")
	metricsAddr   = flag.String("metrics-addr", "", "prometheus /metrics listen address, empty to disable")
	debug         = flag.Bool("debug", false, "development logging")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  server -dir <data-dir> [-addr :1729] [-merge-interval 12h] [-fsync]\n")
	os.Exit(1)
}

func main() {
	flag.Parse()

	if *dbPath == "" {
		usage()
	}

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck
	log := logger.Sugar()

	interval, err := bigduration.ParseBigDuration(*mergeInterval)
	if err != nil {
		log.Fatalw("invalid merge interval", "value", *mergeInterval, "error", err)
	}

	reg := prometheus.NewRegistry()

	db, err := core.Open(*dbPath,
		core.WithMaxFileSize(*maxFileSize),
		core.WithMergeInterval(interval.Duration()),
		core.WithFsync(*fsync),
		core.WithLogger(log.Named("core")),
		core.WithMetricsRegisterer(reg),
	)
	if err != nil {
		log.Fatalw("could not open the database", "dir", *dbPath, "error", err)
	}

	// StartRPC registers the DB, listens and serves in the background.
	// The returned cleanup closes the listener and the DB.
	listenAddr, cleanup, err := remote.StartRPC(db, *addr, log)
	if err != nil {
		log.Fatalw("could not start RPC server", "error", err)
	}
	log.Infow("RPC server listening", "addr", listenAddr)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Infow("metrics listening", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Errorw("metrics server", "error", err)
			}
		}()
	}

	// Wait for SIGINT or SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("received signal", "signal", sig)
	case err := <-db.MergeErrors():
		log.Errorw("merge error", "error", err)
	}

	log.Info("shutting down")
	cleanup()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
