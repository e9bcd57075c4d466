package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/groupchat/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.groupchat/config.toml", "Path to config file")
	dbPath := flag.String("db", "", "Path to SQLite message archive (overrides config)")
	tcpPort := flag.Int("port", 0, "TCP port (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *tcpPort > 0 {
		cfg.Server.TCPPort = *tcpPort
	}

	databasePath := *dbPath
	if databasePath == "" {
		databasePath, err = cfg.GetDatabasePath()
		if err != nil {
			log.Fatalf("Failed to resolve database path: %v", err)
		}
	}

	srv, err := server.NewServer(databasePath, cfg.ToServerConfig(), *configPath)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Block until asked to stop, then shut down gracefully.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down...", sig)

	if err := srv.Stop(); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
}
