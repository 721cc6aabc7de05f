package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"signalPilot/internal/adapters/logger"
	"signalPilot/internal/adapters/sqlite"
	"signalPilot/internal/domain"
	"signalPilot/internal/utils"
)

func main() {
	_ = godotenv.Load()

	defaultDB := os.Getenv("DB_PATH")
	if defaultDB == "" {
		defaultDB = "./data/signal_pilot.db"
	}
	dbPath := flag.String("db", defaultDB, "Path to the snapshot database")
	from := flag.String("from", "", "Start date (YYYY-MM-DD), inclusive")
	to := flag.String("to", "", "End date (YYYY-MM-DD), exclusive; defaults to now")
	limit := flag.Int("limit", 1000, "Most recent records to export when no range is given")
	out := flag.String("out", "", "Output CSV file (default data/ledger_<timestamp>.csv)")
	flag.Parse()

	appLogger := logger.NewStdLogger(logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	ctx := context.Background()

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: *dbPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer repo.Close()

	var records []domain.ExecutionRecord
	if *from != "" {
		start, err := time.Parse("2006-01-02", *from)
		if err != nil {
			log.Fatalf("Invalid -from date: %v", err)
		}
		end := time.Now().UTC()
		if *to != "" {
			if end, err = time.Parse("2006-01-02", *to); err != nil {
				log.Fatalf("Invalid -to date: %v", err)
			}
		}
		records, err = repo.ExecutionsBetween(ctx, start, end)
		if err != nil {
			log.Fatalf("Error reading ledger: %v", err)
		}
	} else {
		records, err = repo.RecentExecutions(ctx, *limit)
		if err != nil {
			log.Fatalf("Error reading ledger: %v", err)
		}
		// Newest first from the store; the file reads oldest first.
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
	}

	filename := *out
	if filename == "" {
		filename = fmt.Sprintf("data/ledger_%s.csv", time.Now().UTC().Format("20060102_150405"))
	}
	if err := utils.WriteExecutionsToCSV(records, filename); err != nil {
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(ctx, "Ledger exported", map[string]interface{}{"filename": filename, "records": len(records)})
}
