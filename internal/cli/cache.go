package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/enhance-go/internal/reclaim"
)

var (
	clearImages bool
	clearVideos bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the backend's result caches",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache sizes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		r := newReclaimer()
		defer r.Close()
		r.Refresh(ctx)

		inv := r.Snapshot()
		if !inv.ImageCache.Known && !inv.VideoCache.Known {
			return errors.New("could not fetch cache status")
		}
		fmt.Printf("Image cache: %s\n", inv.ImageCache)
		fmt.Printf("Video cache: %s\n", inv.VideoCache)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear cached results",
	Long: `Clear processed results cached on the backend. Files that are still being
processed or have not been downloaded yet are kept.

Examples:
  enhance cache clear --images
  enhance cache clear --images --videos`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		r := newReclaimer()
		defer r.Close()

		out, err := r.ClearCache(ctx, reclaim.CacheSelection{Images: clearImages, Videos: clearVideos})
		if err != nil {
			return err
		}
		printOutcome(out)

		inv := r.Snapshot()
		fmt.Printf("Image cache: %s\n", inv.ImageCache)
		fmt.Printf("Video cache: %s\n", inv.VideoCache)
		if out.Kind == reclaim.OutcomeFailure {
			return errors.New("nothing was cleared")
		}
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().BoolVar(&clearImages, "images", false, "clear the image cache")
	cacheClearCmd.Flags().BoolVar(&clearVideos, "videos", false, "clear the video cache")

	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// newReclaimer builds a reclaimer wired to the shared client and broadcaster.
func newReclaimer() *reclaim.Reclaimer {
	return reclaim.New(apiClient, reclaim.Options{
		RefreshInterval: cfg.StatusInterval,
		Broadcaster:     bus,
		Metrics:         collector,
		Logger:          logger,
	})
}

// printOutcome prints a clear or unload outcome styled by severity.
func printOutcome(out reclaim.Outcome) {
	t := defaultTheme
	style := t.statusStyle()
	switch out.Severity {
	case reclaim.SeveritySuccess:
		style = t.completedStyle()
	case reclaim.SeverityWarning:
		style = t.warningStyle()
	case reclaim.SeverityError:
		style = t.errorStyle()
	}

	fmt.Println(style.Render(out.Title))
	for _, m := range out.Messages {
		fmt.Printf("  %s\n", m)
	}
}
