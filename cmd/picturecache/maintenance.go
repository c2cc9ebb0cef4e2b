package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/lucasew/picturecache"
	"github.com/lucasew/picturecache/internal/app"
	"github.com/lucasew/picturecache/internal/errutil"
	"github.com/spf13/cobra"
)

// withCache opens the configured cache, runs fn and closes it.
func withCache(cmd *cobra.Command, fn func(c *picturecache.Cache) error) {
	cfg, err := loadConfig()
	if err != nil {
		errutil.ReportError(err, "Invalid configuration")
		os.Exit(1)
	}
	cache, err := app.OpenCache(cmd.Context(), cfg)
	if err != nil {
		errutil.ReportError(err, "Failed to open cache")
		os.Exit(1)
	}
	err = fn(cache)
	errutil.ReportError(cache.Close(), "Failed to close cache")
	if err != nil {
		errutil.ReportError(err, "Command failed", "command", cmd.Name())
		os.Exit(1)
	}
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Bring every lifespan under its storage budget",
	Run: func(cmd *cobra.Command, args []string) {
		withCache(cmd, func(c *picturecache.Cache) error {
			for _, r := range c.Purge() {
				fmt.Printf("%-10s removed %d pictures, freed %s\n", r.LifeSpan, r.Count, humanize.IBytes(uint64(r.Freed)))
			}
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached picture",
	Run: func(cmd *cobra.Command, args []string) {
		withCache(cmd, func(c *picturecache.Cache) error {
			return c.ClearAll()
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the disk usage of each lifespan",
	Run: func(cmd *cobra.Command, args []string) {
		withCache(cmd, func(c *picturecache.Cache) error {
			for _, u := range c.Stats().Usage {
				budget := "unlimited"
				if u.Budget > 0 {
					budget = humanize.IBytes(uint64(u.Budget))
				}
				fmt.Printf("%-10s %6d pictures %10s / %s\n", u.LifeSpan, u.Count, humanize.IBytes(uint64(u.Bytes)), budget)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(purgeCmd, clearCmd, statsCmd)
}
