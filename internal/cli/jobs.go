package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/enhance-go/internal/jobs"
	"github.com/raphaelgruber/enhance-go/internal/models"
)

var (
	jobTask       string
	jobModel      string
	jobPatch      bool
	jobNoDownload bool
)

var imageCmd = &cobra.Command{
	Use:   "image <file>",
	Short: "Enhance an image",
	Long: `Upload an image, wait for the backend to process it and download the result.

Examples:
  enhance image photo.jpg
  enhance image photo.jpg --task deblur
  enhance image scan.png --model denoise_b --patch -o ./out`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(models.KindImage, args[0])
	},
}

var videoCmd = &cobra.Command{
	Use:   "video <file>",
	Short: "Enhance a video",
	Long: `Upload a video, wait for the backend to process it and download the result.

Examples:
  enhance video clip.mp4
  enhance video clip.mp4 --model denoise_b --no-download`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(models.KindVideo, args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{imageCmd, videoCmd} {
		c.Flags().StringVarP(&jobTask, "task", "t", "", "task type: denoise or deblur (default from config)")
		c.Flags().StringVarP(&jobModel, "model", "m", "", "model name (default depends on task)")
		c.Flags().BoolVar(&jobNoDownload, "no-download", false, "leave the result on the server")
	}
	imageCmd.Flags().BoolVar(&jobPatch, "patch", false, "process the image in patches (uses less GPU memory)")
}

// jobParams builds processing params from flags and config defaults.
func jobParams(kind models.Kind) (models.Params, error) {
	task := models.TaskType(jobTask)
	if task == "" {
		task = models.TaskType(cfg.DefaultTask)
	}
	model := jobModel
	if model == "" && string(task) == cfg.DefaultTask {
		model = cfg.DefaultModel
	}

	params := models.Params{
		Task:               task,
		Model:              model,
		UsePatchProcessing: kind == models.KindImage && jobPatch,
	}.WithDefaults()
	if err := params.Validate(); err != nil {
		return models.Params{}, err
	}
	return params, nil
}

func runJob(kind models.Kind, path string) error {
	params, err := jobParams(kind)
	if err != nil {
		return err
	}
	upload, err := models.FileUpload(path)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	interval := cfg.ImagePollInterval
	if kind == models.KindVideo {
		interval = cfg.VideoPollInterval
	}
	orch := jobs.New(apiClient, jobs.Options{
		Kind:              kind,
		PollInterval:      interval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Broadcaster:       bus,
		Metrics:           collector,
		Logger:            logger,
	})
	defer orch.Close()

	fmt.Fprintf(os.Stderr, "Uploading %s (%s, %s)...\n", upload.Name, params.Task, params.Model)
	if err := orch.Submit(ctx, upload, params); err != nil {
		return err
	}

	save := saveTo(cfg.OutputDir)
	if interactive() {
		return RunJobProgress(ctx, orch, save, !jobNoDownload)
	}
	return watchJob(ctx, orch, save, !jobNoDownload)
}

// watchJob prints job progress as plain lines until the job is terminal.
func watchJob(ctx context.Context, orch *jobs.Orchestrator, save jobs.SaveFunc, download bool) error {
	updates, cancel := orch.Subscribe()
	defer cancel()

	var last string
	for {
		var snap jobs.Snapshot
		select {
		case <-ctx.Done():
			fmt.Println("Interrupted; the job keeps running on the server.")
			return nil
		case s, ok := <-updates:
			if !ok {
				return jobs.ErrClosed
			}
			snap = s
		}
		if snap.Job == nil {
			continue
		}

		if line := statusLine(snap); line != last {
			fmt.Println(line)
			last = line
		}

		switch snap.State {
		case jobs.StateFailed:
			return errors.New(snap.Job.ErrorMessage)
		case jobs.StateCompleted:
			if !download {
				fmt.Printf("Result left on server: %s\n", snap.Job.ResultRef)
				return nil
			}
			if err := orch.Download(ctx, save); err != nil {
				return err
			}
			fmt.Printf("Saved %s\n", filepath.Join(cfg.OutputDir, snap.Job.DownloadName()))
			return nil
		}
	}
}

// statusLine renders one snapshot for plain output.
func statusLine(snap jobs.Snapshot) string {
	job := snap.Job
	switch snap.State {
	case jobs.StateFailed:
		return fmt.Sprintf("[%s] failed: %s", job.ID, job.ErrorMessage)
	case jobs.StateCompleted:
		return fmt.Sprintf("[%s] %s", job.ID, job.Message)
	default:
		return fmt.Sprintf("[%s] %3d%% %s", job.ID, job.Progress, job.Message)
	}
}

// saveTo writes results into dir, creating it when needed. A partial file
// never replaces an existing one.
func saveTo(dir string) jobs.SaveFunc {
	return func(name string, r io.Reader) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		tmp, err := os.CreateTemp(dir, ".enhance-*")
		if err != nil {
			return fmt.Errorf("create temp file: %w", err)
		}
		defer os.Remove(tmp.Name())

		if _, err := io.Copy(tmp, r); err != nil {
			tmp.Close()
			return fmt.Errorf("write result: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("close result: %w", err)
		}
		return os.Rename(tmp.Name(), filepath.Join(dir, name))
	}
}
