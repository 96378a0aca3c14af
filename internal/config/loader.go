// Package config loads service settings from config.yaml and the environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rpattn/ddfstore/internal/db"
	"github.com/rpattn/ddfstore/internal/errors"
	"github.com/rpattn/ddfstore/internal/ingestion"
	"github.com/rpattn/ddfstore/internal/logger"
)

// Config is the complete service configuration.
type Config struct {
	Database db.Config
	Server   ServerConfig
	Import   ImportConfig
	Query    QueryConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port           int
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

type ImportConfig struct {
	ChunkSize          int
	WorkerLimit        int
	TranslationWorkers int
}

type QueryConfig struct {
	DefaultDataset string
}

type LogConfig struct {
	JSON  bool
	Level string
}

// Load reads config.yaml from configPath when present. Every key can be
// overridden from the environment with the DDF_ prefix (DDF_SERVER_PORT);
// database keys also accept the DB_ variables (DB_HOST, DB_PORT, ...).
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix("DDF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for _, key := range []string{"host", "port", "user", "password", "dbname", "sslmode"} {
		if err := v.BindEnv("database."+key, "DDF_DATABASE_"+strings.ToUpper(key), "DB_"+strings.ToUpper(key)); err != nil {
			return Config{}, errors.Wrapf(err, "bind database.%s", key)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, errors.Wrap(err, "read config.yaml")
		}
		logger.Logger.Debugw("no config.yaml found, using defaults and env vars", "path", configPath)
	} else {
		logger.Logger.Debugw("loaded config file", "file", v.ConfigFileUsed())
	}

	cfg := Config{
		Database: db.Config{
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			DBName:   v.GetString("database.dbname"),
			SSLMode:  v.GetString("database.sslmode"),
			MaxConns: v.GetInt32("database.maxconns"),
		},
		Server: ServerConfig{
			Port:           v.GetInt("server.port"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
			ReadTimeout:    v.GetDuration("server.read_timeout"),
			WriteTimeout:   v.GetDuration("server.write_timeout"),
		},
		Import: ImportConfig{
			ChunkSize:          v.GetInt("import.chunk_size"),
			WorkerLimit:        v.GetInt("import.worker_limit"),
			TranslationWorkers: v.GetInt("import.translation_workers"),
		},
		Query: QueryConfig{
			DefaultDataset: v.GetString("query.default_dataset"),
		},
		Log: LogConfig{
			JSON:  v.GetBool("log.json"),
			Level: v.GetString("log.level"),
		},
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return Config{}, errors.Newf("server.port %d is out of range", cfg.Server.Port)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := db.DefaultConfig()
	v.SetDefault("database.host", def.Host)
	v.SetDefault("database.port", def.Port)
	v.SetDefault("database.user", def.User)
	v.SetDefault("database.password", def.Password)
	v.SetDefault("database.dbname", def.DBName)
	v.SetDefault("database.sslmode", def.SSLMode)
	v.SetDefault("database.maxconns", def.MaxConns)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)

	v.SetDefault("import.chunk_size", ingestion.DefaultChunkSize)
	v.SetDefault("import.worker_limit", ingestion.DefaultWorkerLimit)
	v.SetDefault("import.translation_workers", ingestion.DefaultTranslationWorkers)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}
