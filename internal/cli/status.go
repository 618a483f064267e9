package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/enhance-go/internal/broadcast"
	"github.com/raphaelgruber/enhance-go/internal/metrics"
	"github.com/raphaelgruber/enhance-go/internal/reclaim"
)

var (
	statusWatch bool
	statusStats bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend cache sizes and loaded models",
	Long: `Show the backend's cache sizes and model status. With --watch the view is
refreshed every status interval until Ctrl+C.

Examples:
  enhance status
  enhance status --watch
  enhance status --stats`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "keep refreshing")
	statusCmd.Flags().BoolVar(&statusStats, "stats", false, "show client-side request statistics")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	r := newReclaimer()
	defer r.Close()

	if !statusWatch {
		if err := r.LoadStrategy(ctx); err != nil {
			logger.Debug("loading strategy unavailable", "error", err)
		}
		r.Refresh(ctx)
		printInventory(r.Snapshot())
		if statusStats {
			fmt.Println()
			printStats(collector.Snapshot())
		}
		return nil
	}

	return watchStatus(ctx, r)
}

// watchStatus reprints the inventory whenever it changes.
func watchStatus(ctx context.Context, r *reclaim.Reclaimer) error {
	updates, unsubscribe := r.Subscribe()
	defer unsubscribe()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	// Enter forces a refresh through the broadcaster.
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			bus.Notify(broadcast.ManualRefresh, "", "")
		}
	}()
	fmt.Println(defaultTheme.hintStyle().Render("Press Enter to refresh now, Ctrl+C to stop"))

	var last string
	for {
		select {
		case <-ctx.Done():
			if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case inv, ok := <-updates:
			if !ok {
				return nil
			}
			view := renderInventory(inv)
			if view == last {
				continue
			}
			last = view
			fmt.Printf("── %s ──\n%s", time.Now().Format("15:04:05"), view)
			if statusStats {
				printStats(collector.Snapshot())
			}
			fmt.Println()
		}
	}
}

func printInventory(inv reclaim.Inventory) {
	fmt.Print(renderInventory(inv))
}

func renderInventory(inv reclaim.Inventory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Image cache: %s\n", inv.ImageCache)
	fmt.Fprintf(&b, "Video cache: %s\n", inv.VideoCache)

	switch {
	case !inv.ModelsKnown:
		b.WriteString("Models:      unknown\n")
	case len(inv.Loaded()) == 0:
		b.WriteString("Models:      none loaded\n")
	default:
		fmt.Fprintf(&b, "Models:      %s\n", strings.Join(inv.Loaded(), ", "))
	}
	if inv.StrategyKnown && inv.LoadAllOnStartup {
		b.WriteString(defaultTheme.hintStyle().Render("All models are loaded on startup.") + "\n")
	}
	return b.String()
}

// printStats displays client-side request statistics.
func printStats(s metrics.Snapshot) {
	fmt.Printf("Client Statistics (this session)\n")
	fmt.Printf("═══════════════════════════════════════════════\n")
	fmt.Printf("Uptime: %.1f seconds\n", s.UptimeSeconds)
	if len(s.Operations) == 0 {
		fmt.Println("No requests yet.")
		return
	}

	fmt.Printf("\n%-12s %6s %6s %9s %7s %7s %10s\n", "OPERATION", "CALLS", "FAILED", "AVG", "MIN", "MAX", "BYTES")
	for _, op := range s.Operations {
		fmt.Printf("%-12s %6d %6d %7.1fms %5dms %5dms %10s\n",
			op.Name, op.Count, op.Failures, op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs, formatBytes(op.Bytes))
	}
}

func formatBytes(n int64) string {
	switch {
	case n == 0:
		return "-"
	case n < 1<<10:
		return fmt.Sprintf("%dB", n)
	case n < 1<<20:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	}
}

// eventLine renders a broadcaster event for verbose output.
func eventLine(ev broadcast.Event) string {
	s := fmt.Sprintf("%s %s", ev.At.Format("15:04:05"), ev.Reason)
	if ev.Kind != "" {
		s += " " + string(ev.Kind)
	}
	if ev.JobID != "" {
		s += " " + ev.JobID
	}
	return s
}
