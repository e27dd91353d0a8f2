// Package cli implements the archivist command-line interface.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quillhq/archivist/internal/blob"
	"github.com/quillhq/archivist/internal/config"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "archivist",
	Short: "Stream blob-store objects into zip archives, and back",
	Long: `archivist packages many object-store objects into one compressed
zip artifact, and unpacks such an artifact back into individual
objects, streaming end to end: no archive or entry is ever fully
buffered in memory or on disk.

Quick start:
  archivist zip --dest exports/data.zip batch-0.json batch-1.json
  archivist unzip --prefix imports/job-1 exports/data.zip`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .archivist/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")

	// Add subcommands
	rootCmd.AddCommand(newZipCmd())
	rootCmd.AddCommand(newUnzipCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(config.ArchivistDir)
		viper.AddConfigPath("$HOME/" + config.ArchivistDir)
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("ARCHIVIST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// loadConfig materializes the typed config from whatever file viper
// found, then layers env/flag overrides that viper captured.
func loadConfig() (*config.Config, error) {
	path := viper.ConfigFileUsed()
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFrom(path)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if b := viper.GetString("store.backend"); b != "" {
		cfg.Store.Backend = b
	}
	if b := viper.GetString("store.bucket"); b != "" {
		cfg.Store.Bucket = b
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the slog logger the engine runs with, honoring the
// verbosity flags.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// memStore backs the memory backend. It is shared across commands so
// consecutive invocations in one process (smoke runs, tests) see the
// same objects.
var memStore = blob.NewMemoryStore()

// newStore builds the configured blob store.
func newStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return memStore, nil
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Options{
			Bucket:          cfg.Store.Bucket,
			Region:          cfg.Store.Region,
			Endpoint:        cfg.Store.Endpoint,
			UsePathStyle:    cfg.Store.PathStyle,
			AccessKeyID:     cfg.Store.AccessKeyID,
			SecretAccessKey: cfg.Store.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
