package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/rpattn/ddfstore/internal/db"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/ingestion"
	"github.com/rpattn/ddfstore/internal/logger"
	"github.com/rpattn/ddfstore/internal/middleware"
	"github.com/rpattn/ddfstore/internal/query"
	"github.com/rpattn/ddfstore/internal/repository"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the DDFQL query and import endpoints over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = servePort
		}
		return serve(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "listen port")
}

// openStore returns the document store selected by --memory, and a cleanup
// func releasing it.
func openStore(ctx context.Context) (repository.DocumentStore, func(), error) {
	if inMemory {
		logger.Logger.Infow("using in-memory store")
		return repository.NewMemoryStore(), func() {}, nil
	}
	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to database")
	}
	logger.Logger.Infow("connected to database", "host", cfg.Database.Host, "db", cfg.Database.DBName)
	return repository.NewPostgresStore(conn), conn.Close, nil
}

func newIngestion(repos *repository.Registry) *ingestion.Service {
	return ingestion.NewService(repos, ingestion.Options{
		ChunkSize:          cfg.Import.ChunkSize,
		WorkerLimit:        cfg.Import.WorkerLimit,
		TranslationWorkers: cfg.Import.TranslationWorkers,
		Logger:             logger.Logger,
	})
}

func serve(ctx context.Context) error {
	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	repos := repository.NewRegistry(store)
	queries := query.NewService(repos, query.Options{
		DefaultDataset: cfg.Query.DefaultDataset,
		Logger:         logger.Logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})
	logging := middleware.LoggingMiddleware(logger.Logger)

	mux := http.NewServeMux()
	mux.Handle("/api/ddf/ql", logging(middleware.OriginLoaderMiddleware(repos.Entities)(query.NewHTTPHandler(queries))))
	mux.Handle("/api/ddf/import", logging(ingestion.NewHTTPHandler(newIngestion(repos))))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      corsHandler.Handler(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Logger.Infow("starting DDF server", "addr", addr)
		logger.Logger.Infow("query endpoint available", "url", "http://localhost"+addr+"/api/ddf/ql")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err, ok := <-serveErr:
		if ok {
			return errors.Wrap(err, "failed to start server")
		}
		return nil
	case <-quit:
	}
	logger.Logger.Infow("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server forced to shutdown")
	}
	logger.Logger.Infow("server exited")
	return nil
}
