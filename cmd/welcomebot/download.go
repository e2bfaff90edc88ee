package main

import (
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MrCodeEU/welcomebot/pkg/logging"
	"github.com/MrCodeEU/welcomebot/pkg/recognition"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// modelBaseURL serves the bz2-compressed dlib models.
var modelBaseURL = "http://dlib.net/files/"

var downloadCmd = &cobra.Command{
	Use:   "download-models [dir]",
	Short: "Download the dlib model files",
	Long: `Download the dlib shape predictor, face descriptor and CNN detector models
into the configured model path, or into dir when given. Models that are already
present are skipped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDownloadModels,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
}

func runDownloadModels(cmd *cobra.Command, args []string) error {
	modelDir := cfg.Recognition.ModelPath
	if len(args) > 0 {
		modelDir = args[0]
	}

	logging.Infof("Downloading models to: %s", modelDir)

	if err := os.MkdirAll(modelDir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	models := []string{
		recognition.ShapePredictorModel,
		recognition.DescriptorModel,
		recognition.CNNDetectorModel,
	}

	out := cmd.OutOrStdout()
	for _, model := range models {
		targetPath := filepath.Join(modelDir, model)
		if _, err := os.Stat(targetPath); err == nil {
			fmt.Fprintf(out, "Model %s already exists, skipping\n", model)
			continue
		}

		url := modelBaseURL + model + ".bz2"
		if err := downloadAndExtract(cmd.Context(), url, targetPath, cmd.ErrOrStderr()); err != nil {
			return fmt.Errorf("failed to download %s: %w", model, err)
		}
		fmt.Fprintf(out, "Downloaded %s\n", model)
	}

	fmt.Fprintf(out, "All models are in %s\n", modelDir)
	return nil
}

func downloadAndExtract(ctx context.Context, url, targetPath string, progress io.Writer) error {
	client := &http.Client{
		Timeout: 10 * time.Minute,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if cfg.Fetch.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.Fetch.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	var body io.Reader = resp.Body
	if cfg.Fetch.ShowProgress {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(progress),
			progressbar.OptionSetDescription(filepath.Base(targetPath)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(progress) }),
		)
		body = io.TeeReader(resp.Body, bar)
	}

	// A failed download must not leave a partial model behind
	tmp := targetPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, bzip2.NewReader(body)); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, targetPath)
}
