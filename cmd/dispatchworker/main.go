// Command dispatchworker is the C6 worker child process (spec §4.6,
// §5: "separate OS processes so that a crash or OOM in document
// parsing cannot corrupt the dispatcher's address space"). It is
// spawned by internal/supervisor with its store connection, parser
// config path, and worker id passed via environment variables
// (DISPATCH_WORKER_ID, DISPATCH_STORE_CONNECTION_STRING,
// DISPATCH_PARSER_CONFIG_PATH, DISPATCH_STORE_DRIVER).
//
// This reference binary ships no fetcher or parser implementation of
// its own (spec §6: both are opaque to the core) — a real deployment
// forks this composition root and registers concrete ones before
// calling worker.New.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/mycelian/docdispatch/internal/fetcher"
	"github.com/mycelian/docdispatch/internal/logger"
	"github.com/mycelian/docdispatch/internal/model"
	"github.com/mycelian/docdispatch/internal/parser"
	"github.com/mycelian/docdispatch/internal/store"
	"github.com/mycelian/docdispatch/internal/store/postgres"
	"github.com/mycelian/docdispatch/internal/store/sqlitestore"
	"github.com/mycelian/docdispatch/internal/worker"
)

func main() {
	log := logger.New("dispatchworker")
	if err := run(log); err != nil {
		log.Error().Err(err).Msg("dispatchworker exited with error")
		os.Exit(worker.ExitUnknown)
	}
}

func run(logger zerolog.Logger) error {
	workerID, err := strconv.ParseInt(os.Getenv("DISPATCH_WORKER_ID"), 10, 64)
	if err != nil {
		return fmt.Errorf("parse DISPATCH_WORKER_ID: %w", err)
	}
	logger = logger.With().Int64("worker_id", workerID).Logger()

	st, err := openStore(os.Getenv("DISPATCH_STORE_DRIVER"), os.Getenv("DISPATCH_STORE_CONNECTION_STRING"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	// No concrete fetcher or parser is registered by default — see the
	// package doc comment. passthroughParser hands raw bytes back as a
	// single metadata record so this binary is runnable standalone for
	// smoke-testing the pipeline.
	fetchers := fetcher.NewRegistry()

	w := worker.New(worker.Config{WorkerID: workerID}, st.Tasks(), st.Workers(), st.Errors(), st.Emits(), fetchers, passthroughParser{}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil && err != worker.ErrShouldShutdown {
		return err
	}
	return nil
}

func openStore(driver, conn string) (store.Store, error) {
	switch driver {
	case "postgres":
		db, err := postgres.Open(conn)
		if err != nil {
			return nil, err
		}
		return postgres.NewWithDB(db), nil
	default:
		return sqlitestore.Open(conn)
	}
}

// passthroughParser reads the whole stream and returns it as a single
// "raw" metadata field, so dispatchworker has a usable default parser
// until an embedder registers a real one.
type passthroughParser struct{}

func (passthroughParser) Parse(ctx context.Context, stream io.Reader, metadata map[string]string) ([]model.MetadataRecord, error) {
	b, err := io.ReadAll(stream)
	if err != nil {
		return nil, err
	}
	record := model.MetadataRecord{"raw": string(b)}
	for k, v := range metadata {
		record[k] = v
	}
	return []model.MetadataRecord{record}, nil
}

var _ parser.Parser = passthroughParser{}
