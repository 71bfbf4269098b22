package main

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	diffimage "image-comparator/internal/diff/image"
	"image-comparator/internal/imageio"
	"image-comparator/internal/storage"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

type DiffOutput struct {
	DiffPath            string  `json:"diffPath"`
	DifferingPixelCount int64   `json:"differingPixelCount"`
	TotalPixelCount     int64   `json:"totalPixelCount"`
	MatchPercentage     float64 `json:"matchPercentage"`
	DiffAmount          float64 `json:"diffAmount"`
}

func envOrDefaultValue[T any](key string, defaultValue T) T {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	switch any(defaultValue).(type) {
	case string:
		return any(value).(T)
	case int:
		if intValue, err := strconv.Atoi(value); err == nil {
			return any(intValue).(T)
		}
	}

	return defaultValue
}

type options struct {
	tolerance int
	storage   string
	directory string
	bucket    string
	retryOn   string
	logLevel  string
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:   "diff BASELINE TARGET",
		Short: "Compare two equally sized images pixel by pixel",
		Long: `Compares BASELINE and TARGET pixel by pixel, stores the diff mask as PNG
and prints the match statistics as JSON. Pixels whose RGB distance exceeds
the tolerance are painted magenta; the others keep the baseline color, dimmed.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
				return xerrors.Errorf("failed to parse log level: %w", err)
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o, args[0], args[1], stdout)
		},
	}

	cmd.Flags().IntVar(&o.tolerance, "tolerance", envOrDefaultValue("TOLERANCE", 5), "Tolerance in percent (0-100)")
	cmd.Flags().StringVar(&o.storage, "storage", envOrDefaultValue("STORAGE", string(storage.KindFile)), "Storage backend (file or s3)")
	cmd.Flags().StringVar(&o.directory, "directory", envOrDefaultValue("DIRECTORY", "/tmp"), "Output directory")
	cmd.Flags().StringVar(&o.bucket, "bucket", envOrDefaultValue("BUCKET", ""), "S3 bucket")
	cmd.Flags().StringVar(&o.retryOn, "s3-retry-on", envOrDefaultValue("S3_RETRY_ON", "gateway-error,connect-failure"), "Conditions retried on S3 requests, empty to use the SDK retryer")
	cmd.PersistentFlags().StringVar(&o.logLevel, "log-level", envOrDefaultValue("GO_LOG", "info"), "Log level (debug, info, warn, error)")

	return cmd
}

func run(ctx context.Context, o *options, baselinePath string, targetPath string, stdout io.Writer) error {
	if o.tolerance < 0 || o.tolerance > 100 {
		return xerrors.Errorf("tolerance must be between 0 and 100, got %d", o.tolerance)
	}

	s, err := storage.New(ctx, storage.Config{
		Kind: storage.Kind(o.storage),
		File: storage.FileConfig{Directory: o.directory},
		S3:   storage.S3Config{Bucket: o.bucket, RetryOn: o.retryOn, MaxRetries: 3},
	})
	if err != nil {
		return xerrors.Errorf("failed to create storage backend: %w", err)
	}

	baselineImage, err := loadImage(baselinePath)
	if err != nil {
		return xerrors.Errorf("failed to load baseline image: %w", err)
	}
	targetImage, err := loadImage(targetPath)
	if err != nil {
		return xerrors.Errorf("failed to load target image: %w", err)
	}

	start := time.Now()
	diffResult, err := diffimage.NewPixelDiff(o.tolerance).Calculate(ctx, baselineImage, targetImage)
	if err != nil {
		return xerrors.Errorf("failed to compare images: %w", err)
	}
	slog.Debug("compared images",
		"baseline", baselinePath,
		"target", targetPath,
		"tolerance", o.tolerance,
		"differing", diffResult.DifferingPixelCount,
		"elapsed", time.Since(start),
	)

	data, err := imageio.EncodePNG(diffResult.Image)
	if err != nil {
		return xerrors.Errorf("failed to encode diff image: %w", err)
	}

	diffPath, err := s.Put(ctx, storage.DiffKey(baselinePath, targetPath, time.Now()), data)
	if err != nil {
		return xerrors.Errorf("failed to save diff image: %w", err)
	}

	if err := json.NewEncoder(stdout).Encode(DiffOutput{
		DiffPath:            diffPath,
		DifferingPixelCount: diffResult.DifferingPixelCount,
		TotalPixelCount:     diffResult.TotalPixelCount,
		MatchPercentage:     diffResult.MatchPercentage(),
		DiffAmount:          diffResult.DiffAmount(),
	}); err != nil {
		return xerrors.Errorf("failed to encode result: %w", err)
	}
	return nil
}

func loadImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return imageio.Decode(filepath.Base(path), data)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	if err := newRootCommand(os.Stdout).ExecuteContext(context.Background()); err != nil {
		slog.Error("diff failed", "error", err)
		os.Exit(1)
	}
}
