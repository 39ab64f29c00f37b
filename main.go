// Command chatclient is a terminal client for the chat service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xiaot623/gogo/chatclient/internal/app"
	"github.com/xiaot623/gogo/chatclient/internal/config"
	"github.com/xiaot623/gogo/chatclient/internal/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	email := flag.String("email", "", "Log in with this email on start")
	password := flag.String("password", "", "Password for -email")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	if err := a.Init(ctx); err != nil {
		log.WithError(err).Warn("Starting without a saved session")
	}

	r := newREPL(a, os.Stdout)
	defer r.close()

	if *email != "" {
		r.handle(ctx, fmt.Sprintf("/login %s %s", *email, *password))
	} else if a.Tokens.IsAuthenticated() {
		r.handle(ctx, "/list")
	}

	if err := r.run(ctx, os.Stdin); err != nil {
		log.WithError(err).Error("Input closed")
	}
}
