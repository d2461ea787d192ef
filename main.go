package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/billbatista/acasinha-ledger/api"
	"github.com/billbatista/acasinha-ledger/config"
	"github.com/billbatista/acasinha-ledger/eventlogger"
	"github.com/billbatista/acasinha-ledger/indexer"
	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/billbatista/acasinha-ledger/lock"
	"github.com/billbatista/acasinha-ledger/user"
	_ "github.com/lib/pq"
	goredislib "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		printErrorAndExit("invalid configuration", err)
	}

	opts := &slog.HandlerOptions{Level: cfg.Level()}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	var (
		store     ledger.Store
		events    eventlogger.EventLogger
		directory user.Directory = user.StaticDirectory{}
	)
	switch cfg.Store {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			printErrorAndExit("database connection", err)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			printErrorAndExit("pinging database", err)
		}
		if err := ledger.RunMigrations(cfg.DatabaseURL); err != nil {
			printErrorAndExit("running migrations", err)
		}
		store = ledger.NewPostgresStore(db)
		events = eventlogger.NewSqlEventLogger(db)
		directory = user.NewRepository(db)
	default:
		store = ledger.NewMemoryStore()
		events = eventlogger.NewMemoryEventLogger()
	}

	var locker ledger.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		client := goredislib.NewClient(&goredislib.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(context.Background()).Err(); err != nil {
			printErrorAndExit("pinging redis", err)
		}
		locker = lock.NewRedis(client, lock.WithExpiry(cfg.LockExpiry), lock.WithLogger(logger))
	}

	var publisher indexer.Publisher = indexer.NewLogPublisher(logger)
	if cfg.AMQPURL != "" {
		amqpPublisher, err := indexer.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			printErrorAndExit("connecting to amqp", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	indexWorker := indexer.NewWorker(publisher, cfg.IndexBufferSize, indexer.WithLogger(logger))
	indexWorker.Start()
	eventWorker := eventlogger.NewWorker(events, cfg.EventBufferSize)
	eventWorker.Start()

	svc := ledger.NewService(store,
		ledger.WithLocker(locker),
		ledger.WithIndexer(indexWorker),
		ledger.WithNotifier(eventWorker),
		ledger.WithLogger(logger),
	)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewHandler(svc,
			api.WithDirectory(directory),
			api.WithEventLog(events),
			api.WithLogger(logger),
		).Routes(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 16,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	indexWorker.Shutdown()
	eventWorker.Shutdown()
	if err != nil {
		printErrorAndExit("server error", err)
	}
	logger.Info("server stopped")
}

func printErrorAndExit(msg string, e error) {
	slog.Error(msg, "error", e)
	os.Exit(1)
}
