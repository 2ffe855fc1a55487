package main

import (
	"flag"
	"log"
	"os"

	"fedigateway/internal/config"
	"fedigateway/internal/server"
)

func main() {
	fs := flag.NewFlagSet("fedigatewayd", flag.ExitOnError)
	configPath := fs.String("config", "/etc/fedigateway/config.yaml", "Path to config.yaml")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	srv := server.New(cfg, logger)

	if err := srv.Run(); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}
