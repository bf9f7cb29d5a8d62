// Command driftd runs the Drift delivery server: it accepts WebSocket
// connections, fans out stored messages in real time, and tracks read
// state per user.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/driftmsg/drift/pkg/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "~/.drift/config.toml", "path to config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides config)")
	port := flag.Int("port", 0, "public HTTP port (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("driftd %s\n", version)
		return
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	config := tomlConfig.ToServerConfig()
	if *port != 0 {
		config.HTTPPort = *port
	}

	databasePath := *dbPath
	if databasePath == "" {
		databasePath, err = tomlConfig.GetDatabasePath()
		if err != nil {
			log.Fatalf("Failed to resolve database path: %v", err)
		}
	}

	srv, err := server.NewServer(databasePath, config, *configPath)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("driftd %s ready (database: %s)", version, databasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
