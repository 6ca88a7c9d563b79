package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"announce_dedup/internal/config"
	"announce_dedup/internal/dedup"
	"announce_dedup/internal/logging"
	"announce_dedup/internal/model"
	"announce_dedup/internal/rules"
	"announce_dedup/internal/storage"
)

// maxLine bounds one NDJSON line.
const maxLine = 4 << 20

type line struct {
	SourceURL   string          `json:"source_url"`
	SourceType  string          `json:"source_type"`
	SiteCode    string          `json:"site_code"`
	Payload     json.RawMessage `json:"payload"`
	CollectedAt *time.Time      `json:"collected_at"`
}

type ingester interface {
	Ingest(ctx context.Context, raw model.RawAnnouncement) (model.AnnouncementRecord, model.DuplicateLogEntry, error)
}

func main() {
	envLoader := config.AddEnvFlag(flag.CommandLine)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: ingest [--env file] < announcements.ndjson")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Reads one JSON announcement per line and prints \"<record_id> <decision>\" per line.")
		flag.PrintDefaults()
	}
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
	log, err := logging.NewWithWriter(os.Stderr, cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}

	target := cfg.DatabasePath
	if cfg.StorageDriver == config.DriverPostgres {
		target = cfg.DatabaseURL
	}
	store, err := storage.Open(cfg.StorageDriver, target)
	if err != nil {
		log.Error().Err(err).Msg("open store")
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cache := rules.NewCache(store, cfg.RuleReloadInterval, log)
	svc := dedup.NewService(store, cache, dedup.Options{
		MaxRetries:   cfg.IngestMaxRetries,
		RetryBackoff: cfg.IngestRetryBackoff,
	}, log)

	failed, err := ingestAll(ctx, svc, os.Stdin, os.Stdout, log)
	if err != nil {
		log.Error().Err(err).Msg("read input")
		os.Exit(1)
	}
	if failed > 0 {
		log.Warn().Int("failed", failed).Msg("some announcements were not ingested")
		os.Exit(2)
	}
}

// ingestAll feeds every line of in to svc. Lines that cannot be decoded or
// ingested are reported on the log and counted; they print "- error".
func ingestAll(ctx context.Context, svc ingester, in io.Reader, out io.Writer, log zerolog.Logger) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	failed := 0
	n := 0
	for scanner.Scan() {
		n++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return failed, ctx.Err()
		}

		var l line
		if err := json.Unmarshal(text, &l); err != nil {
			log.Error().Err(err).Int("line", n).Msg("decode announcement")
			fmt.Fprintln(out, "- error")
			failed++
			continue
		}
		raw := model.RawAnnouncement{
			SourceURL:  l.SourceURL,
			SourceType: model.SourceType(l.SourceType),
			SiteCode:   l.SiteCode,
			Payload:    []byte(l.Payload),
		}
		if l.CollectedAt != nil {
			raw.CollectedAt = l.CollectedAt.UTC()
		}

		rec, entry, err := svc.Ingest(ctx, raw)
		if err != nil {
			log.Error().Err(err).Int("line", n).Str("source_url", l.SourceURL).Msg("ingest announcement")
			fmt.Fprintln(out, "- error")
			failed++
			continue
		}
		fmt.Fprintf(out, "%s %s\n", rec.ID, entry.Decision)
	}
	return failed, scanner.Err()
}
