package main

import (
	"flag"
	"fmt"
	"os"

	"pairlink/internal/database"

	"github.com/sirupsen/logrus"
)

var dbPath = flag.String("db", "pairlink.db", "Path to the outbox database file")

// migrate creates or upgrades the local outbox database schema without
// starting the full client.
func main() {
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	db, err := database.New(*dbPath)
	if err != nil {
		logger.Fatalf("Migration failed: %v", err)
	}
	if err := db.Close(); err != nil {
		logger.Fatalf("Failed to close database: %v", err)
	}

	fmt.Fprintf(os.Stdout, "Database schema up to date: %s\n", *dbPath)
}
