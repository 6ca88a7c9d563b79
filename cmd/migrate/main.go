package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"announce_dedup/internal/config"
	"announce_dedup/migrations"
)

func main() {
	envLoader := config.AddEnvFlag(flag.CommandLine)
	driver := flag.String("driver", "", "storage driver: sqlite or postgres (default $STORAGE_DRIVER or sqlite)")
	target := flag.String("db", "", "sqlite path or postgres URL (default $DATABASE_PATH or $DATABASE_URL)")
	flag.Parse()

	if _, err := envLoader.Load(); err != nil {
		log.Fatal(err)
	}
	if *driver == "" {
		*driver = envOrDefault("STORAGE_DRIVER", "sqlite")
	}
	if *target == "" {
		if *driver == "postgres" {
			*target = os.Getenv("DATABASE_URL")
		} else {
			*target = envOrDefault("DATABASE_PATH", "./data/announcements.db")
		}
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-driver sqlite|postgres] [-db target] <command>")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  up          Migrate to the latest version")
		fmt.Fprintln(os.Stderr, "  up-one      Migrate one version up")
		fmt.Fprintln(os.Stderr, "  down        Roll back one version")
		fmt.Fprintln(os.Stderr, "  status      Show migration status")
		fmt.Fprintln(os.Stderr, "  version     Show current version")
		fmt.Fprintln(os.Stderr, "  reset       Roll back all migrations")
		os.Exit(1)
	}

	dialect := migrations.Dialect(*driver)
	sqlDriver := "sqlite"
	if dialect == migrations.Postgres {
		sqlDriver = "pgx"
	}

	db, err := sql.Open(sqlDriver, *target)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	dir, err := migrations.Setup(dialect)
	if err != nil {
		log.Fatalf("setup migrations: %v", err)
	}

	cmd := args[0]
	switch cmd {
	case "up":
		err = goose.Up(db, dir)
	case "up-one":
		err = goose.UpByOne(db, dir)
	case "down":
		err = goose.Down(db, dir)
	case "status":
		err = goose.Status(db, dir)
	case "version":
		err = goose.Version(db, dir)
	case "reset":
		err = goose.Reset(db, dir)
	default:
		log.Fatalf("unknown command: %s", cmd)
	}

	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
