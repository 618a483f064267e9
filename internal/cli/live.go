package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/enhance-go/internal/metrics"
	"github.com/raphaelgruber/enhance-go/internal/models"
	"github.com/raphaelgruber/enhance-go/internal/stream"
)

var (
	liveTask     string
	liveModel    string
	liveMirror   bool
	liveFPS      float64
	liveSaveDir  string
	liveDuration time.Duration
)

var liveCmd = &cobra.Command{
	Use:   "live <frames-dir>",
	Short: "Stream frames through the backend in real time",
	Long: `Replay the images in a directory as a camera feed over the live-processing
WebSocket. Only one frame is in flight at a time, so the achieved frame rate
shows the backend's real throughput.

Examples:
  enhance live ./frames
  enhance live ./frames --mirror --fps 15 --save ./processed
  enhance live ./frames --task deblur --duration 30s`,
	Args: cobra.ExactArgs(1),
	RunE: runLive,
}

func init() {
	liveCmd.Flags().StringVarP(&liveTask, "task", "t", "", "task type: denoise or deblur")
	liveCmd.Flags().StringVarP(&liveModel, "model", "m", "", "model name (default depends on task)")
	liveCmd.Flags().BoolVar(&liveMirror, "mirror", false, "flip frames horizontally")
	liveCmd.Flags().Float64Var(&liveFPS, "fps", 0, "cap the capture rate (0 = as fast as replies arrive)")
	liveCmd.Flags().StringVar(&liveSaveDir, "save", "", "write processed frames to this directory")
	liveCmd.Flags().DurationVar(&liveDuration, "duration", 0, "stop after this long (0 = until Ctrl+C)")
}

func runLive(cmd *cobra.Command, args []string) error {
	params := models.Params{Task: models.TaskType(liveTask), Model: liveModel}.WithDefaults()
	if err := params.Validate(); err != nil {
		return err
	}

	var interval time.Duration
	if liveFPS > 0 {
		interval = time.Duration(float64(time.Second) / liveFPS)
	}
	src, err := stream.NewDirSource(args[0], stream.DirSourceOptions{Mirror: liveMirror, Interval: interval})
	if err != nil {
		return err
	}
	if liveSaveDir != "" {
		if err := os.MkdirAll(liveSaveDir, 0o755); err != nil {
			return fmt.Errorf("create save dir: %w", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	if verbose {
		if sub, err := bus.Subscribe(16); err == nil {
			defer sub.Cancel()
			go func() {
				for ev := range sub.C {
					fmt.Fprintln(os.Stderr, eventLine(ev))
				}
			}()
		}
	}

	session := stream.New(stream.ClientDialer(apiClient), src, stream.Options{
		Params:      params,
		OnFrame:     saveFrame(liveSaveDir),
		Broadcaster: bus,
		Metrics:     collector,
		Logger:      logger,
	})
	updates, unsubscribe := session.Subscribe()
	defer unsubscribe()

	fmt.Printf("Streaming %d frames from %s (%s, %s)\n", src.Len(), args[0], params.Task, params.Model)
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer func() {
		session.Stop()
		session.Wait()
	}()

	var deadline <-chan time.Time
	if liveDuration > 0 {
		deadline = time.After(liveDuration)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			printLiveSummary(session.Snapshot())
			return nil
		case <-deadline:
			printLiveSummary(session.Snapshot())
			return nil
		case <-ticker.C:
			printLiveRate(session.Snapshot())
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if snap.State == stream.StateClosed {
				printLiveSummary(snap)
				return errors.New(snap.Err)
			}
		}
	}
}

// saveFrame returns an OnFrame callback writing frames to dir, or nil when dir is empty.
func saveFrame(dir string) func(stream.Frame) {
	if dir == "" {
		return nil
	}
	return func(f stream.Frame) {
		ext := ".jpg"
		if f.MIMEType == "image/png" {
			ext = ".png"
		}
		path := filepath.Join(dir, fmt.Sprintf("frame_%06d%s", f.Seq, ext))
		if err := os.WriteFile(path, f.Image, 0o644); err != nil {
			logger.Warn("failed to save frame", "file", path, "error", err)
		}
	}
}

func printLiveRate(snap stream.Snapshot) {
	if snap.State != stream.StateOpen {
		fmt.Printf("[%s]\n", snap.State)
		return
	}
	line := fmt.Sprintf("[open] %d frames, %.1f fps", snap.Frames, liveFrameRate(snap))
	if op := collector.Snapshot().Get(metrics.OpFrame); op != nil {
		line += fmt.Sprintf(", latency avg %.0fms max %dms", op.AvgTimeMs, op.MaxTimeMs)
	}
	if snap.FrameErrors > 0 {
		line += fmt.Sprintf(", %d errors (last: %s)", snap.FrameErrors, snap.LastFrameError)
	}
	fmt.Println(line)
}

func printLiveSummary(snap stream.Snapshot) {
	fmt.Printf("\nSession %s: %d frames, %d errors, %.1f fps\n",
		snap.ID, snap.Frames, snap.FrameErrors, liveFrameRate(snap))
	if op := collector.Snapshot().Get(metrics.OpFrame); op != nil {
		fmt.Printf("Round trip: avg %.1fms, min %dms, max %dms, %s sent\n",
			op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs, formatBytes(op.Bytes))
	}
}

func liveFrameRate(snap stream.Snapshot) float64 {
	if snap.StartedAt.IsZero() || snap.Frames == 0 {
		return 0
	}
	return float64(snap.Frames) / time.Since(snap.StartedAt).Seconds()
}
