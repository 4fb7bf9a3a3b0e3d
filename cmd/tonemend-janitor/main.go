package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/tonemend/tonemend/pkg/usage"
)

var (
	dbURL         = flag.String("db-url", getEnv("TONEMEND_POSTGRES_URL", "postgres://localhost/tonemend?sslmode=disable"), "PostgreSQL connection URL")
	purgeSchedule = flag.String("purge-schedule", "30 0 * * *", "Cron schedule for the usage-log purge (default: 00:30 UTC)")
	retentionDays = flag.Int("retention-days", 90, "Usage-log retention window in days")
	runOnce       = flag.Bool("run-once", false, "Run the purge once and exit (for testing)")
)

func main() {
	flag.Parse()

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	usageLog := usage.NewLog(db)

	if *runOnce {
		if err := runPurge(usageLog, *retentionDays); err != nil {
			log.Fatalf("Purge failed: %v", err)
		}
		log.Println("Purge completed successfully")
		return
	}

	c := cron.New()
	_, err = c.AddFunc(*purgeSchedule, func() {
		if err := runPurge(usageLog, *retentionDays); err != nil {
			log.Printf("Purge failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule purge: %v", err)
	}

	c.Start()
	log.Println("Tonemend janitor started")
	log.Printf("Purge schedule: %s, retention: %d days", *purgeSchedule, *retentionDays)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down gracefully...")

	ctx := c.Stop()
	<-ctx.Done()

	log.Println("Janitor stopped")
}

func runPurge(usageLog *usage.Log, days int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	deleted, err := usageLog.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	log.Printf("Purged %d usage entries older than %s", deleted, cutoff.Format("2006-01-02"))
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
