package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lucasew/picturecache"
	"github.com/lucasew/picturecache/internal/errutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var precacheCmd = &cobra.Command{
	Use:   "precache [url...]",
	Short: "Warm the cache with many pictures",
	Long: `precache downloads and stores the given pictures without displaying them.
URLs are read from the arguments and, with --file, from a file with one URL per line
("-" reads standard input).`,
	Run: func(cmd *cobra.Command, args []string) {
		base, target, err := requestFromFlags(cmd)
		if err != nil {
			errutil.ReportError(err, "Invalid request")
			os.Exit(1)
		}
		urls := args
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			more, err := readURLs(file)
			if err != nil {
				errutil.ReportError(err, "Failed to read URL list", "file", file)
				os.Exit(1)
			}
			urls = append(urls, more...)
		}
		if len(urls) == 0 {
			errutil.ReportError(fmt.Errorf("no URL given"), "Nothing to precache")
			os.Exit(1)
		}

		cfg, err := loadConfig()
		if err != nil {
			errutil.ReportError(err, "Invalid configuration")
			os.Exit(1)
		}
		opts := cfg.Options()
		opts.AllowLocalSources = true
		opts.Registerer = prometheus.NewRegistry()

		cache, err := picturecache.Open(cmd.Context(), opts)
		if err != nil {
			errutil.ReportError(err, "Failed to open cache", "cache_dir", cfg.CacheDir)
			os.Exit(1)
		}
		defer func() {
			errutil.ReportError(cache.Close(), "Failed to close cache")
		}()

		reqs := make([]picturecache.Request, len(urls))
		for i, u := range urls {
			reqs[i] = base
			reqs[i].URL = u
		}
		deliveries, err := cache.Precache(cmd.Context(), reqs, target.Persist)
		errutil.LogMsg(err, "Some pictures could not be requested")

		var failed int
		for i, d := range deliveries {
			if d.Placeholder() {
				failed++
				slog.Warn("Picture not available", "url", urls[i])
			}
		}
		cache.Wait()
		slog.Info("Precache done", "total", len(urls), "failed", failed)
		for _, s := range cache.Stats().Latency {
			slog.Debug("Latency", "stats", s.String())
		}
		if failed > 0 {
			os.Exit(1)
		}
	},
}

func readURLs(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}

func init() {
	rootCmd.AddCommand(precacheCmd)
	addRequestFlags(precacheCmd)
	precacheCmd.Flags().StringP("file", "f", "", "File with one URL per line (- for stdin)")
}
