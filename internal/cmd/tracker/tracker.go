// Package tracker parses tracker service flags and launches the service.
package tracker

import (
	"context"
	"flag"

	entrypoint "github.com/keybound/keybound/internal/platform/cmd"
	server "github.com/keybound/keybound/internal/services/tracker/app"
)

// Config holds tracker command configuration.
type Config struct {
	Port int `env:"KEYBOUND_TRACKER_PORT" envDefault:"8090"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The tracker gRPC server port")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the tracker gRPC service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceTracker, func(context.Context) error {
		return server.Run(ctx, cfg.Port)
	})
}
