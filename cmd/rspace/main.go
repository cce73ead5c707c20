package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Jeff-Emmett/rspace-online/pkg/config"
	"github.com/Jeff-Emmett/rspace-online/pkg/logging"
	"github.com/Jeff-Emmett/rspace-online/pkg/storage"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	return newRootCmd().Execute()
}

type rootOptions struct {
	configPath  string
	addr        string
	dataDir     string
	storageKind string
	databaseURL string
	logLevel    string
	logFormat   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "rspace",
		Short:         "Real-time sync relay for collaborative canvases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory holding document records")
	flags.StringVar(&opts.storageKind, "storage", "", "storage backend: file, sqlite or postgres")
	flags.StringVar(&opts.databaseURL, "database-url", "", "database url for the sqlite or postgres backend")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "", "json or text")

	root.AddCommand(newServeCmd(opts), newListCmd(opts), newInspectCmd(opts))
	return root
}

// resolve loads the config and applies the flags that were set on cmd.
func (o *rootOptions) resolve(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("addr", &cfg.Addr, o.addr)
	set("data-dir", &cfg.DataDir, o.dataDir)
	set("storage", &cfg.Storage, o.storageKind)
	set("database-url", &cfg.DatabaseURL, o.databaseURL)
	set("log-level", &cfg.LogLevel, o.logLevel)
	set("log-format", &cfg.LogFormat, o.logFormat)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	if err := logging.Setup(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	backend, err := storage.Open(ctx, cfg.Storage, cfg.DataDir, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage, err)
	}
	return backend, nil
}
