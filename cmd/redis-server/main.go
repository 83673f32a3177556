package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/epokhe/caskdb/cmd/resp"
	"github.com/epokhe/caskdb/core"
)

var (
	dataDir     = flag.String("dir", "", "path to data directory")
	addr        = flag.String("addr", ":6379", "listen address")
	maxFileSize = flag.Int64("max-file-size", 10*1024*1024, "maximum data segment size in bytes")
	debug       = flag.Bool("debug", false, "development logging")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  redis-server -dir <data-dir> [-addr :6379]\n")
	os.Exit(1)
}

func main() {
	flag.Parse()

	if *dataDir == "" {
		usage()
	}

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck
	log := logger.Sugar()

	db, err := core.Open(*dataDir,
		core.WithMaxFileSize(*maxFileSize),
		core.WithLogger(log.Named("core")),
	)
	if err != nil {
		log.Fatalw("could not open the database", "dir", *dataDir, "error", err)
	}

	listenAddr, cleanup, err := resp.StartRESP(db, *addr, log)
	if err != nil {
		_ = db.Close()
		log.Fatalw("could not start RESP server", "error", err)
	}
	log.Infow("RESP server listening", "addr", listenAddr)

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
	if err := db.Close(); err != nil {
		log.Errorw("db close", "error", err)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
