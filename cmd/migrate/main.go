package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"uniattend/internal/config"
	"uniattend/internal/logging"
	"uniattend/internal/migrate"
)

func main() {
	dsn := flag.String("dsn", "", "postgres url; defaults to DATABASE_URL")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [-dsn url] up|down|status")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	url := cfg.DatabaseURL
	if *dsn != "" {
		url = *dsn
	}

	cmd := "up"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}
	ctx := context.Background()
	switch cmd {
	case "up":
		err = migrate.Up(ctx, url)
	case "down":
		err = migrate.Down(ctx, url)
	case "status":
		err = migrate.Status(ctx, url)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal("migration failed", zap.String("command", cmd), zap.Error(err))
	}
	log.Info("migration finished", zap.String("command", cmd))
}
