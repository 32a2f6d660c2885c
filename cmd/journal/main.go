package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"robotrelay/internal/repository"
	"robotrelay/internal/repository/postgres"
	"robotrelay/internal/repository/sqlite"
)

type Options struct {
	Driver string        `long:"driver" default:"sqlite3" choice:"sqlite3" choice:"postgres" env:"JOURNAL_DRIVER" description:"Journal database driver"`
	DSN    string        `long:"dsn" required:"true" env:"JOURNAL_DSN" description:"Database path or connection string"`
	Client string        `long:"client" description:"Client id to list"`
	Limit  int           `long:"limit" default:"20" description:"Number of events to list"`
	Prune  time.Duration `long:"prune" description:"Delete events older than this age, e.g. 168h"`
}

func main() {
	_ = godotenv.Load()

	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	journal, err := open(opts.Driver, opts.DSN)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer journal.Close()

	if opts.Prune > 0 {
		removed, err := journal.PruneBefore(time.Now().Add(-opts.Prune))
		if err != nil {
			log.Fatalf("Prune failed: %v", err)
		}
		fmt.Printf("Pruned %d events older than %v\n", removed, opts.Prune)
	}

	if opts.Client == "" {
		return
	}

	total, err := journal.Count(opts.Client)
	if err != nil {
		log.Fatalf("Count failed: %v", err)
	}
	events, err := journal.Recent(opts.Client, opts.Limit)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	fmt.Printf("%d of %d events for %s\n", len(events), total, opts.Client)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		log.Fatalf("Encode failed: %v", err)
	}
}

func open(driver, dsn string) (repository.JournalRepository, error) {
	if driver == "postgres" {
		repo, err := postgres.New(dsn)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	db, err := sqlite.New(dsn)
	if err != nil {
		return nil, err
	}
	return sqlite.NewJournalRepository(db), nil
}
