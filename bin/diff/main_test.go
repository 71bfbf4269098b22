package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	diffimage "image-comparator/internal/diff/image"

	"github.com/google/go-cmp/cmp"
)

func writePNG(t *testing.T, dir string, name string, img image.Image) string {
	t.Helper()
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, img); err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buffer.Bytes(), 0644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	return path
}

func fixtures(t *testing.T, dir string) (string, string) {
	t.Helper()
	baseline := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	target := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	for x := 0; x < 2; x++ {
		baseline.SetNRGBA(x, 0, color.NRGBA{R: 10, G: 10, B: 10, A: 255})
		target.SetNRGBA(x, 0, color.NRGBA{R: 10, G: 10, B: 10, A: 255})
	}
	target.SetNRGBA(1, 0, color.NRGBA{R: 50, G: 10, B: 10, A: 255})
	return writePNG(t, dir, "baseline.png", baseline), writePNG(t, dir, "target.png", target)
}

func execute(t *testing.T, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	var stdout bytes.Buffer
	cmd := newRootCommand(&stdout)
	cmd.SetArgs(args)
	return &stdout, cmd.ExecuteContext(context.Background())
}

func TestDiffCommand(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	baseline, target := fixtures(t, dir)

	stdout, err := execute(t, "--tolerance", "5", "--storage", "file", "--directory", out, baseline, target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got DiffOutput
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode output %q: %v", stdout.String(), err)
	}

	want := DiffOutput{
		DiffPath:            got.DiffPath,
		DifferingPixelCount: 1,
		TotalPixelCount:     2,
		MatchPercentage:     50,
		DiffAmount:          0.5,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}

	rel, err := filepath.Rel(out, got.DiffPath)
	if err != nil || !filepath.IsLocal(rel) {
		t.Errorf("Expected %s to be under %s", got.DiffPath, out)
	}
	data, err := os.ReadFile(got.DiffPath)
	if err != nil {
		t.Fatalf("failed to read diff image: %v", err)
	}
	mask, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to decode diff image: %v", err)
	}
	if diff := cmp.Diff(image.Rect(0, 0, 2, 1), mask.Bounds()); diff != "" {
		t.Errorf("bounds (-want +got):\n%s", diff)
	}
}

func TestDiffCommand_Errors(t *testing.T) {
	dir := t.TempDir()
	baseline, _ := fixtures(t, dir)
	larger := writePNG(t, dir, "larger.png", image.NewNRGBA(image.Rect(0, 0, 4, 4)))

	if _, err := execute(t, "--directory", t.TempDir(), baseline, larger); !errors.Is(err, diffimage.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := execute(t, "--tolerance", "150", "--directory", t.TempDir(), baseline, baseline); err == nil {
		t.Errorf("Expected out of range tolerance to fail")
	}
	if _, err := execute(t, "--directory", t.TempDir(), baseline, filepath.Join(dir, "missing.png")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected a missing file error, got %v", err)
	}
	if _, err := execute(t, baseline); err == nil {
		t.Errorf("Expected a single argument to fail")
	}
}
