package main

import (
	"os"

	"github.com/clinicflow/appointment-scheduling/internal/config"
	"github.com/clinicflow/appointment-scheduling/internal/db"
	"github.com/clinicflow/appointment-scheduling/internal/logger"
)

// Usage: migrate [up|down]
func main() {
	log := logger.New(os.Stdout, "info", true)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	switch direction {
	case "up":
		err = db.MigrateUp(cfg.PostgresDSN)
	case "down":
		err = db.MigrateDown(cfg.PostgresDSN)
	default:
		log.Fatal().Str("direction", direction).Msg("unknown direction, use up or down")
	}
	if err != nil {
		log.Fatal().Err(err).Str("direction", direction).Msg("migration failed")
	}

	log.Info().Str("direction", direction).Msg("migrations complete")
}
