package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"streamsync/internal/api"
	"streamsync/internal/broker"
	"streamsync/internal/codec"
	"streamsync/internal/discovery"
	"streamsync/internal/partition"
	"streamsync/internal/reader"
	"streamsync/internal/reconcile"
	"streamsync/internal/repo"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "HTTP bind address")
		dbPath     = flag.String("db", "streamsync.db", "SQLite DB path")
		redisAddr  = flag.String("redis", "localhost:6379", "Redis address")
		prefix     = flag.String("prefix", "streamsync", "broker key prefix")
		group      = flag.String("group", "streamsync-workers", "stream consumer group")
		discEvery  = flag.Duration("discover", 30*time.Second, "queue discovery interval")
		readCount  = flag.Int64("read-count", 100, "stream read batch size")
		batchInit  = flag.Int("batch", 1000, "initial reconciliation batch size")
		batchMin   = flag.Int("batch-min", 100, "minimum reconciliation batch size")
		batchMax   = flag.Int("batch-max", 5000, "maximum reconciliation batch size")
		statsEvery = flag.String("stats-cron", "@every 30m", "statistics refresh schedule")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	hostname, _ := os.Hostname()
	nodeID := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := repo.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	taskRepo := repo.NewSQLiteRepo(db)

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	bk := broker.New(rdb, broker.Keys{Prefix: *prefix}, *group)
	defer bk.Close()
	if err := bk.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Str("redis", *redisAddr).Msg("connect broker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := partition.NewCoordinator(bk, taskRepo, partition.Config{NodeID: nodeID})
	if err := coordinator.Join(ctx); err != nil {
		log.Fatal().Err(err).Msg("join fleet")
	}

	decoder := codec.NewDecoder(codec.Msgpack{})
	readerCfg := reader.Config{Consumer: nodeID, ReadCount: *readCount}
	spawn := func(ctx context.Context, queue string) {
		reader.New(queue, bk, decoder, taskRepo, readerCfg).Run(ctx)
	}
	disc := discovery.NewService(bk, spawn, *discEvery)

	loop := reconcile.NewLoop(taskRepo, bk, coordinator, reconcile.Config{
		BatchInit: *batchInit,
		BatchMin:  *batchMin,
		BatchMax:  *batchMax,
	})

	maintenance := cron.New()
	if _, err := maintenance.AddFunc(*statsEvery, func() {
		if err := taskRepo.RefreshStatistics(context.Background()); err != nil {
			log.Error().Err(err).Msg("refresh statistics")
		}
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", *statsEvery).Msg("bad stats schedule")
	}
	maintenance.Start()

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		disc.Run,
		coordinator.Run,
		coordinator.ListenEvents,
		loop.Run,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(taskRepo, coordinator)}
	go func() {
		log.Info().Str("addr", *addr).Str("node_id", nodeID).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	coordinator.Leave(shutdownCtx)
	maintenance.Stop()
	cancel()
	wg.Wait()
	_ = srv.Shutdown(shutdownCtx)
}
