package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"moments-media/config"
	"moments-media/internal/repository"
	"moments-media/internal/validator"
	"moments-media/pkg/database"
)

const usage = `
Moments Media - Database CLI Tool

Usage:
  migrate [command] [args]

Commands:
  up                  Create the service tables (idempotent)
  down                Drop the service tables (DANGEROUS)
  status              Show connection status and table sizes
  settings            List persisted upload settings
  set KEY VALUE       Persist one upload setting, e.g. set MAX_FILE_SIZE 104857600

Examples:
  go run cmd/migrate/main.go up
  go run cmd/migrate/main.go set DAILY_UPLOAD_LIMIT 50
  go run cmd/migrate/main.go status
`

func main() {
	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := config.LoadConfig()
	db, err := database.Connect(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer db.Close()

	switch command {
	case "up":
		runMigrationsUp(ctx, db)
	case "down":
		runMigrationsDown(ctx, db)
	case "status":
		showStatus(ctx, db)
	case "settings":
		showSettings(ctx, repository.NewSettingsRepository(db))
	case "set":
		if flag.NArg() != 3 {
			flag.Usage()
			os.Exit(1)
		}
		runSet(ctx, cfg, repository.NewSettingsRepository(db), flag.Arg(1), flag.Arg(2))
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func runMigrationsUp(ctx context.Context, db repository.DBTX) {
	log.Println("🚀 Creating service tables...")

	if err := repository.InitSchema(ctx, db); err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}

	log.Println("✅ Migrations completed successfully!")
}

func runMigrationsDown(ctx context.Context, db repository.DBTX) {
	log.Println("⬇️  Dropping service tables...")

	if err := repository.DropSchema(ctx, db); err != nil {
		log.Fatalf("❌ Rollback failed: %v", err)
	}

	log.Println("✅ Rollback completed successfully!")
}

func showStatus(ctx context.Context, db *sql.DB) {
	log.Println("🔍 Checking database status...")
	log.Println("✅ Database connection: OK")

	for _, table := range repository.Tables {
		exists, err := database.TableExists(ctx, db, table)
		if err != nil {
			log.Printf("⚠️  Error checking table %s: %v", table, err)
			continue
		}
		if !exists {
			log.Printf("❌ Table %-20s does not exist", table)
			continue
		}
		count, err := database.TableCount(ctx, db, table)
		if err != nil {
			log.Printf("⚠️  Error counting table %s: %v", table, err)
			continue
		}
		log.Printf("✅ Table %-20s exists (%d rows)", table, count)
	}
}

func showSettings(ctx context.Context, settings repository.SettingsRepository) {
	values, err := settings.LoadUploadSettings(ctx)
	if err != nil {
		log.Fatalf("❌ Loading settings failed: %v", err)
	}
	if len(values) == 0 {
		log.Println("No persisted upload settings; defaults and environment apply.")
		return
	}
	for k, v := range values {
		log.Printf("%-28s %s", k, v)
	}
}

// runSet refuses values that would leave the service unable to start.
func runSet(ctx context.Context, cfg *config.Config, settings repository.SettingsRepository, key, value string) {
	if err := config.ApplySettings(cfg, map[string]string{key: value}); err != nil {
		log.Fatalf("❌ Invalid setting: %v", err)
	}
	if err := validator.ValidateUploadConfig(cfg.Upload); err != nil {
		log.Fatalf("❌ Setting rejected: %v", err)
	}
	if err := settings.Set(ctx, key, value); err != nil {
		log.Fatalf("❌ Saving setting failed: %v", err)
	}
	log.Printf("✅ %s = %s", key, value)
}
