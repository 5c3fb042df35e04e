package commands

import (
	"database/sql"

	"github.com/spf13/viper"

	"github.com/teranos/digest/am"
	"github.com/teranos/digest/db"
	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/logger"
)

// ConfigFile is set by the root --config flag; "" = the am.toml cascade
var ConfigFile string

// readConfig loads the configuration without validating it
func readConfig() (*am.Config, error) {
	if ConfigFile != "" {
		return am.LoadFromFile(ConfigFile)
	}
	return am.Load()
}

// configViper returns the Viper behind readConfig, for key lookups
func configViper() (*viper.Viper, error) {
	if ConfigFile != "" {
		return am.ViperFromFile(ConfigFile)
	}
	return am.GetViper(), nil
}

// loadConfig loads and validates the configuration
func loadConfig() (*am.Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// openDatabase opens and migrates the database at dbPath
func openDatabase(dbPath string) (*sql.DB, error) {
	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}
