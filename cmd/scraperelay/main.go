// Package main runs the scrape relay service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/JakeFAU/scrape-relay/internal/config"
	"github.com/JakeFAU/scrape-relay/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "scraperelay: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	// Cloud Run injects PORT.
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 {
			return fmt.Errorf("invalid PORT %q", port)
		}
		cfg.Server.Port = p
	}

	ctx := context.Background()
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	return app.Run(ctx)
}
