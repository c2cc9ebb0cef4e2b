package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lucasew/picturecache"
	"github.com/lucasew/picturecache/internal/errutil"
	"github.com/lucasew/picturecache/internal/imaging"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "Fetch one picture variant through the cache",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		req, target, err := requestFromFlags(cmd)
		if err != nil {
			errutil.ReportError(err, "Invalid request")
			os.Exit(1)
		}
		req.URL = args[0]
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			errutil.ReportError(err, "Failed to get output flag")
			os.Exit(1)
		}
		uuid, err := cmd.Flags().GetString("uuid")
		if err != nil {
			errutil.ReportError(err, "Failed to get uuid flag")
			os.Exit(1)
		}
		req.UUID = uuid

		cfg, err := loadConfig()
		if err != nil {
			errutil.ReportError(err, "Invalid configuration")
			os.Exit(1)
		}
		opts := cfg.Options()
		opts.AllowLocalSources = true
		opts.Progress = func(total int64) io.Writer {
			return progressbar.NewOptions64(
				total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("downloading"),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetWidth(10),
				progressbar.OptionThrottle(65*time.Millisecond),
				progressbar.OptionOnCompletion(func() {
					if _, err := fmt.Fprint(os.Stderr, "\n"); err != nil {
						errutil.LogMsg(err, "Failed to print newline to stderr")
					}
				}),
			)
		}

		cache, err := picturecache.Open(cmd.Context(), opts)
		if err != nil {
			errutil.ReportError(err, "Failed to open cache", "cache_dir", cfg.CacheDir)
			os.Exit(1)
		}
		defer func() {
			errutil.ReportError(cache.Close(), "Failed to close cache")
		}()

		if _, err := cache.RequestPicture(req, target); err != nil {
			errutil.ReportError(err, "Request failed", "url", req.URL)
			os.Exit(1)
		}
		d, err := target.Wait(cmd.Context())
		if err != nil {
			cache.RemoveLoader(target, "")
			errutil.ReportError(err, "Interrupted", "url", req.URL)
			os.Exit(1)
		}
		if d.Placeholder() {
			errutil.ReportError(fmt.Errorf("%w: %s", picturecache.ErrFetchFailed, req.URL), "Picture not available")
			os.Exit(1)
		}

		if err := writePicture(output, d, req.StorageType); err != nil {
			errutil.ReportError(err, "Failed to write picture", "output", output)
			os.Exit(1)
		}
	},
}

func writePicture(output string, d picturecache.Delivery, st picturecache.StorageType) error {
	if output == "" {
		return imaging.Encode(os.Stdout, d.Image, st)
	}
	return imaging.WriteFile(output, d.Image, st)
}

// requestFromFlags reads the variant flags shared by get and precache.
func requestFromFlags(cmd *cobra.Command) (picturecache.Request, *picturecache.ResultHandler, error) {
	var req picturecache.Request
	target := picturecache.NewResultHandler()
	f := cmd.Flags()

	height, _ := f.GetInt("height")
	width, _ := f.GetInt("width")
	if height > 0 && width > 0 {
		return req, nil, fmt.Errorf("--height and --width are exclusive")
	}
	req.Dimension = height
	if width > 0 {
		req.Dimension, req.WidthBased = width, true
	}

	var err error
	format, _ := f.GetString("format")
	if req.StorageType, err = picturecache.ParseStorageType(format); err != nil {
		return req, nil, err
	}
	lifespan, _ := f.GetString("lifespan")
	if req.LifeSpan, err = picturecache.ParseLifeSpan(lifespan); err != nil {
		return req, nil, err
	}
	if rounded, _ := f.GetBool("rounded"); rounded {
		target.Persist = imaging.Rounded{}
	}
	if offline, _ := f.GetBool("offline"); offline {
		target.Offline = true
	}
	return req, target, nil
}

func addRequestFlags(cmd *cobra.Command) {
	cmd.Flags().Int("height", 0, "Target height in pixels (0 = source size)")
	cmd.Flags().Int("width", 0, "Maximum width in pixels")
	cmd.Flags().String("format", "auto", "Storage format (auto, png, jpeg)")
	cmd.Flags().String("lifespan", "shortterm", "Lifespan (shortterm, longterm, eternal)")
	cmd.Flags().Bool("rounded", false, "Store the picture with rounded corners")
	cmd.Flags().Bool("offline", false, "Only use cached pictures")
}

func init() {
	rootCmd.AddCommand(getCmd)
	addRequestFlags(getCmd)
	getCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	getCmd.Flags().String("uuid", "", "Stable identity of the picture (default derived from the URL)")
}

