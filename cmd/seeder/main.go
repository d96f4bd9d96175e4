// cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/app"
	"github.com/unclebandit/outreach-sequencer/internal/db"
)

// The seeder applies the schema and then runs each seed file given on the
// command line, in order.
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to YAML config")
	flag.Parse()

	ctx := context.Background()
	deps, err := app.Bootstrap(ctx, *configPath)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer deps.Close()
	logger := deps.Log

	if err := db.Migrate(ctx, deps.DB); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("schema applied")

	for _, file := range flag.Args() {
		content, err := os.ReadFile(file)
		if err != nil {
			logger.Fatal("failed to read seed file", zap.String("file", file), zap.Error(err))
		}
		if _, err := deps.DB.ExecContext(ctx, string(content)); err != nil {
			logger.Fatal("failed to execute seed file", zap.String("file", file), zap.Error(err))
		}
		logger.Info("seeded", zap.String("file", file))
	}

	logger.Info("database seeding completed")
}
