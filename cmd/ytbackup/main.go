package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kballard/go-shellquote"

	"ytbackup/internal/app"
	"ytbackup/internal/config"
	"ytbackup/internal/logging"
	"ytbackup/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file (default ~/.ytbackup/config.yaml)")
	debug := flag.Bool("debug", false, "log external commands and API calls")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [--config PATH] [--debug] MODE [flags]\n\nRun \"%s help\" to list the modes.\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("failed to resolve home directory: %v", err)
		}
		*configPath = filepath.Join(home, ".ytbackup", "config.yaml")
	}

	cfg, err := config.Ensure(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}

	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
			log.Fatalf("failed to create log directory: %v", err)
		}
	}
	closer := logging.Configure(cfg.LogFile, *debug)
	defer closer.Close()

	dialect, err := storage.ParseDialect(cfg.Database.Driver)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if dialect == storage.SQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o700); err != nil {
			log.Fatalf("failed to create database directory: %v", err)
		}
	}
	db, err := storage.Open(dialect, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}

	application := app.New(cfg, *configPath, db, dialect)
	defer application.Close()

	result, err := application.Execute(ctx, shellquote.Join(flag.Args()...))
	if result.Message != "" {
		fmt.Fprintln(os.Stdout, result.Message)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		log.Printf("%s failed: %v", flag.Arg(0), err)
		code := 1
		if errors.Is(err, app.ErrUsage) {
			code = 2
		}
		application.Close()
		closer.Close()
		os.Exit(code)
	}
}
