// Package main provides a CLI tool that force-clears an account's durable
// login flag, for accounts wedged by a crashed lobby process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cory-johannsen/chessence/internal/account"
	"github.com/cory-johannsen/chessence/internal/config"
	"github.com/cory-johannsen/chessence/internal/storage/postgres"
	"github.com/cory-johannsen/chessence/internal/storage/sqlite"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	nick := flag.String("nick", "", "account nick to log out (required)")
	flag.Parse()

	if *nick == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var store account.Store
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("opening sqlite store: %v", err)
		}
		defer s.Close()
		store = s
	default:
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			log.Fatalf("connecting to database: %v", err)
		}
		defer pool.Close()
		store = pool.Accounts()
	}

	acct, err := store.FindAccount(ctx, *nick)
	if err != nil {
		log.Fatalf("looking up account %q: %v", *nick, err)
	}

	cleared, err := store.ClearSession(ctx, *nick, "")
	if err != nil {
		log.Fatalf("clearing session: %v", err)
	}

	elapsed := time.Since(start)
	if !cleared {
		fmt.Fprintf(os.Stdout, "%s was not logged in [%s]\n", acct.Nick, elapsed)
		return
	}
	fmt.Fprintf(os.Stdout, "cleared session for %s (connection %q) [%s]\n",
		acct.Nick, acct.LastConnectionID, elapsed)
}
