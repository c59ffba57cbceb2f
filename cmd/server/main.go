package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sashagrib/minifarm/pkg/log"
	"github.com/sashagrib/minifarm/pkg/server"
)

func main() {
	port := flag.Int("port", 8080, "HTTP port to listen on")
	dbPath := flag.String("db", "minifarm.db", "Path to the SQLite database file")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file loaded: %v", err)
	}

	parsedLogLevel, err := log.ParseLogLevel(*logLevel)
	if err != nil {
		panic(fmt.Sprintf("Failed to parse log level: %v", err))
	}

	logger := log.New(os.Stdout, "", log.DefaultLoggerFlag, parsedLogLevel)
	log.SetDefaultLogger(logger)
	log.Info("Log level set to %s", parsedLogLevel)

	ctx := context.Background()

	if envPath := os.Getenv("MINIFARM_DB"); envPath != "" {
		*dbPath = envPath
	}
	repository, err := server.NewSQLiteRepository(ctx, *dbPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to open repository: %v", err))
	}
	defer repository.Close(ctx)

	srv := server.NewServer(server.NewServerOptions{
		Port:       *port,
		Repository: repository,
	})

	log.Info("Starting server on port %d", *port)
	go srv.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop server: %v", err)
	}
}
