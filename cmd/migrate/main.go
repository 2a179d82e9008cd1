package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/repository"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [command] [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, up-to VERSION, down, down-to VERSION, status, redo, version")
	}
	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: migration command is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if !cfg.NeedsPostgres() {
		log.Fatalf("Config error: store %q does not use Postgres", cfg.Store)
	}

	command := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	log.Printf("Starting migration: %s", command)

	if err := repository.RunMigrations(ctx, cfg.DSN(), command, args[1:]...); err != nil {
		log.Fatalf("Migration error: %v", err)
	}

	fmt.Println("Migration finished successfully")
}
