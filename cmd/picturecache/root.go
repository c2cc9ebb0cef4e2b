package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/lucasew/picturecache"
	"github.com/lucasew/picturecache/internal/app"
	"github.com/lucasew/picturecache/internal/errutil"
	"github.com/lucasew/picturecache/internal/httpclient"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "picturecache",
	Short: "A disk-backed picture cache",
	Long: `picturecache downloads pictures at most once per URL, stores resized variants
on disk with per-lifespan storage budgets and serves them to any number of consumers.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log-level"), viper.GetBool("log-json"))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if _, printErr := fmt.Fprintln(os.Stderr, err); printErr != nil {
			errutil.ReportError(printErr, "Failed to print error to stderr")
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.String("cache-dir", "./picturecache", "Directory holding the cached pictures")
	f.String("db-path", "", "Path of the sqlite database (default {cache-dir}/picturecache.db)")
	f.Int64("budget-shortterm", 100*1024*1024, "Storage budget of SHORTTERM pictures in bytes (0 = unlimited)")
	f.Int64("budget-longterm", 1024*1024*1024, "Storage budget of LONGTERM pictures in bytes (0 = unlimited)")
	f.Int64("budget-eternal", 0, "Storage budget of ETERNAL pictures in bytes (0 = unlimited)")
	f.String("budgets", "", "Budgets as a Structured Field dictionary, e.g. shortterm=100, longterm=200 (overrides budget-*)")
	f.Int64("min-free-space", 0, "Evict SHORTTERM pictures while the disk has less free bytes than this")
	f.Int("purge-threshold", 7, "Additions to a lifespan that trigger its purge")
	f.Duration("purge-interval", 0, "Interval of the periodic purge (0 = disabled)")
	f.Int64("memory-cache-size", 64*1024*1024, "Bytes of decoded pictures kept in memory (0 = disabled)")
	f.Int64("memory-item-max", 0, "Largest decoded picture kept in memory (default memory-cache-size/4)")
	f.Int64("max-decode-pixels", 64*1024*1024, "Largest decode allowed in pixels (0 = unlimited)")
	f.Duration("connect-timeout", httpclient.DefaultConnectTimeout, "Connection timeout")
	f.Duration("fetch-timeout", 2*time.Minute, "Timeout of a whole download")
	f.String("user-agent", "", "User-Agent sent to sources")
	f.String("ca-file", "", "Extra PEM CA bundle trusted for https sources")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.Bool("log-json", false, "Log JSON lines instead of console output")

	for _, name := range []string{
		"cache-dir", "db-path", "budget-shortterm", "budget-longterm", "budget-eternal", "budgets",
		"min-free-space", "purge-threshold", "purge-interval", "memory-cache-size", "memory-item-max",
		"max-decode-pixels", "connect-timeout", "fetch-timeout", "user-agent", "ca-file",
		"log-level", "log-json",
	} {
		if err := viper.BindPFlag(name, f.Lookup(name)); err != nil {
			errutil.ReportError(err, "Failed to bind flag", "flag", name)
		}
	}
}

func initConfig() {
	viper.SetEnvPrefix("PICTURECACHE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setupLogging(level string, json bool) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		h = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		})
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// loadConfig builds the cache configuration from flags and PICTURECACHE_* variables.
func loadConfig() (app.Config, error) {
	cfg := app.Config{
		CacheDir:        viper.GetString("cache-dir"),
		DBPath:          viper.GetString("db-path"),
		MinFreeSpace:    viper.GetInt64("min-free-space"),
		PurgeThreshold:  viper.GetInt("purge-threshold"),
		PurgeInterval:   viper.GetDuration("purge-interval"),
		MemoryCacheSize: viper.GetInt64("memory-cache-size"),
		MemoryItemMax:   viper.GetInt64("memory-item-max"),
		MaxDecodePixels: viper.GetInt64("max-decode-pixels"),
		ConnectTimeout:  viper.GetDuration("connect-timeout"),
		FetchTimeout:    viper.GetDuration("fetch-timeout"),
		UserAgent:       viper.GetString("user-agent"),
		CAFile:          viper.GetString("ca-file"),
		Budgets: map[picturecache.LifeSpan]int64{
			picturecache.ShortTerm: viper.GetInt64("budget-shortterm"),
			picturecache.LongTerm:  viper.GetInt64("budget-longterm"),
			picturecache.Eternal:   viper.GetInt64("budget-eternal"),
		},
	}

	if raw := viper.GetString("budgets"); raw != "" {
		budgets, err := app.ParseBudgets(raw)
		if err != nil {
			return cfg, err
		}
		for ls, b := range budgets {
			cfg.Budgets[ls] = b
		}
	}
	return cfg, nil
}
