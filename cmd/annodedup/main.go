package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"announce_dedup/internal/audit"
	"announce_dedup/internal/bot"
	"announce_dedup/internal/collector"
	"announce_dedup/internal/config"
	"announce_dedup/internal/dedup"
	"announce_dedup/internal/httpapi"
	"announce_dedup/internal/logging"
	"announce_dedup/internal/rules"
	"announce_dedup/internal/seed"
	"announce_dedup/internal/storage"
)

func main() {
	envLoader := config.AddEnvFlag(flag.CommandLine)
	flag.Parse()

	if _, err := envLoader.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("service failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	target := cfg.DatabasePath
	if cfg.StorageDriver == config.DriverPostgres {
		target = cfg.DatabaseURL
	}
	store, err := storage.Open(cfg.StorageDriver, target)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.SeedFile != "" {
		f, err := seed.LoadFile(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("load seed file: %w", err)
		}
		res, err := seed.Apply(ctx, store, f)
		if err != nil {
			return fmt.Errorf("apply seed file: %w", err)
		}
		log.Info().
			Str("file", cfg.SeedFile).
			Int("priorities", res.Priorities).
			Int("rules", res.Rules).
			Int("sources", res.Sources).
			Msg("seed applied")
	}

	cache := rules.NewCache(store, cfg.RuleReloadInterval, log.With().Str("component", "rules").Logger())
	svc := dedup.NewService(store, cache, dedup.Options{
		MaxRetries:   cfg.IngestMaxRetries,
		RetryBackoff: cfg.IngestRetryBackoff,
	}, log.With().Str("component", "dedup").Logger())

	coll := collector.New(store, svc, log.With().Str("component", "collector").Logger())
	coll.SetTickInterval(cfg.CollectTick)

	var (
		b      *bot.Bot
		sender audit.Sender
	)
	if cfg.BotEnabled() {
		b, err = bot.New(cfg.TelegramBotToken, store, cfg, cache, coll, log.With().Str("component", "bot").Logger())
		if err != nil {
			return fmt.Errorf("create bot: %w", err)
		}
		sender = b
	}
	monitor := audit.NewMonitor(store, sender, cfg.AdminChatIDs, log.With().Str("component", "audit").Logger())
	monitor.SetTickInterval(cfg.AuditTick)
	monitor.SetGrace(cfg.AuditGrace)

	log.Info().
		Str("driver", cfg.StorageDriver).
		Bool("bot", b != nil).
		Str("http_addr", cfg.HTTPAddr).
		Msg("starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		coll.Run(ctx)
		return nil
	})
	g.Go(func() error {
		monitor.Run(ctx)
		return nil
	})
	if b != nil {
		g.Go(func() error {
			b.Run(ctx)
			return nil
		})
	}
	if cfg.HTTPAddr != "" {
		srv := httpapi.NewServer(store, svc, cache, log.With().Str("component", "http").Logger(), httpapi.Options{
			Addr: cfg.HTTPAddr,
		})
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	err = g.Wait()
	log.Info().Msg("stopped")
	return err
}
