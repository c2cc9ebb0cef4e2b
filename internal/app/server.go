package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/lucasew/picturecache"
	"github.com/lucasew/picturecache/internal/handler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Config struct {
	Port     int
	CacheDir string
	DBPath   string

	// Budgets are the byte budgets per lifespan. Missing entries are unlimited.
	Budgets        map[picturecache.LifeSpan]int64
	MinFreeSpace   int64
	PurgeThreshold int
	PurgeInterval  time.Duration

	MemoryCacheSize int64
	MemoryItemMax   int64
	MaxDecodePixels int64

	ConnectTimeout time.Duration
	FetchTimeout   time.Duration
	UserAgent      string
	CAFile         string

	// Registerer receives the cache metrics. nil disables them.
	Registerer prometheus.Registerer
}

// Options maps cfg to the options of the cache.
func (cfg Config) Options() picturecache.Options {
	budgets := make(map[picturecache.LifeSpan]int64, len(cfg.Budgets))
	for ls, b := range cfg.Budgets {
		budgets[ls] = b
	}
	return picturecache.Options{
		Dir:             cfg.CacheDir,
		DBPath:          cfg.DBPath,
		Budget:          func(ls picturecache.LifeSpan) int64 { return budgets[ls] },
		PurgeThreshold:  cfg.PurgeThreshold,
		PurgeInterval:   cfg.PurgeInterval,
		MinFreeSpace:    cfg.MinFreeSpace,
		MemoryBytes:     cfg.MemoryCacheSize,
		MemoryItemBytes: cfg.MemoryItemMax,
		ConnectTimeout:  cfg.ConnectTimeout,
		FetchTimeout:    cfg.FetchTimeout,
		UserAgent:       cfg.UserAgent,
		CAFile:          cfg.CAFile,
		MaxDecodePixels: cfg.MaxDecodePixels,
		Registerer:      cfg.Registerer,
	}
}

// OpenCache opens the cache described by cfg.
func OpenCache(ctx context.Context, cfg Config) (*picturecache.Cache, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.CacheDir, "picturecache.db")
	}
	for _, ls := range []picturecache.LifeSpan{picturecache.ShortTerm, picturecache.LongTerm, picturecache.Eternal} {
		if b := cfg.Budgets[ls]; b > 0 {
			slog.Info("Storage budget", "lifespan", ls.String(), "max_size", b)
		} else {
			slog.Info("No storage budget (unlimited)", "lifespan", ls.String())
		}
	}

	cache, err := picturecache.Open(ctx, cfg.Options())
	if err != nil {
		return nil, fmt.Errorf("failed to open cache at %s: %w", cfg.CacheDir, err)
	}
	slog.Info("Opened picture cache", "cache_dir", cfg.CacheDir, "db_path", cfg.DBPath)
	return cache, nil
}

// NewServer opens the cache and builds the HTTP server exposing /picture and
// /metrics. The returned cleanup closes the cache.
func NewServer(ctx context.Context, cfg Config) (*http.Server, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	cfg.Registerer = reg

	cache, err := OpenCache(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/picture", handler.NewPictureHandler(cache, cfg.FetchTimeout))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("Starting server", "addr", addr, "cache_dir", cfg.CacheDir)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	cleanup := func() {
		if err := cache.Close(); err != nil {
			slog.Error("Failed to close cache", "error", err)
		}
	}
	return server, cleanup, nil
}
