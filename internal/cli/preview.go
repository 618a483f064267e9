package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/enhance-go/internal/metrics"
	"github.com/raphaelgruber/enhance-go/internal/models"
)

var previewOut string

var previewCmd = &cobra.Command{
	Use:   "preview <file>",
	Short: "Render a browser-friendly JPEG preview of an image",
	Long: `Ask the backend to convert an image (for example a TIFF or HEIC file) into a
JPEG preview and save it locally.

Examples:
  enhance preview scan.tiff
  enhance preview scan.tiff --out scan-preview.jpg`,
	Args: cobra.ExactArgs(1),
	RunE: runPreview,
}

func init() {
	previewCmd.Flags().StringVar(&previewOut, "out", "", "output file (default <output>/preview_<name>.jpg)")
}

func runPreview(cmd *cobra.Command, args []string) error {
	upload, err := models.FileUpload(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	start := time.Now()
	data, err := apiClient.Preview(ctx, upload)
	collector.RecordTransfer(metrics.OpUpload, time.Since(start), upload.Size, err)
	if err != nil {
		return fmt.Errorf("generate preview: %w", err)
	}

	out := previewOut
	if out == "" {
		base := strings.TrimSuffix(upload.Name, filepath.Ext(upload.Name))
		out = filepath.Join(cfg.OutputDir, "preview_"+base+".jpg")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write preview: %w", err)
	}

	logger.Info("preview saved", "file", out, "bytes", len(data))
	fmt.Printf("Saved preview to %s (%d bytes)\n", out, len(data))
	return nil
}
