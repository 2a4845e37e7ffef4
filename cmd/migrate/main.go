package main

import (
	"flag"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/theblitlabs/parity-fedsim/internal/core/config"
	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/pkg/logger"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "Path to the config file")
	flag.Parse()

	logger.InitWithMode(logger.LogModePretty)
	log := logger.WithComponent("migrate")

	// Database settings do not depend on the training mode.
	cfg, err := config.Load(*configPath, models.ModeFinetune, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if !cfg.Database.Enabled() {
		log.Fatal().Msg("database.host and database.database_name must be set")
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.GetConnectionURL()), &gorm.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	log.Info().Str("host", cfg.Database.Host).Msg("Connected to database")

	modelsList := []interface{}{
		&models.TrainingRun{},
		&models.RoundRecord{},
	}

	for _, model := range modelsList {
		if err := db.AutoMigrate(model); err != nil {
			log.Fatal().Err(err).Msgf("Error migrating %T", model)
		}
		log.Info().Msgf("Migrated table for model: %T", model)
	}

	var tables []string
	db.Raw("SELECT tablename FROM pg_tables WHERE schemaname = 'public'").Scan(&tables)
	log.Info().Strs("tables", tables).Msg("Database migrations completed")
}
