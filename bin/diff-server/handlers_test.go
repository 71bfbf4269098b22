package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	diffimage "image-comparator/internal/diff/image"
	"image-comparator/internal/myhttp"
	"image-comparator/internal/storage"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/metric/noop"
)

func newTestHandler(t *testing.T, s *Server) http.Handler {
	t.Helper()
	histogram, err := noop.NewMeterProvider().Meter("test").Int64Histogram("http_requests_duration_micro_seconds")
	if err != nil {
		t.Fatalf("failed to create histogram: %v", err)
	}
	mux := myhttp.NewServerMux(slog.New(slog.NewTextHandler(io.Discard, nil)), histogram)
	s.registerRoutes(mux)
	return mux
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buffer bytes.Buffer
	if err := png.Encode(&buffer, img); err != nil {
		t.Fatalf("failed to encode fixture: %v", err)
	}
	return buffer.Bytes()
}

func scenarioPair(t *testing.T) ([]byte, []byte) {
	t.Helper()
	baseline := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	target := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	for x := 0; x < 2; x++ {
		baseline.SetNRGBA(x, 0, color.NRGBA{R: 10, G: 10, B: 10, A: 255})
		target.SetNRGBA(x, 0, color.NRGBA{R: 10, G: 10, B: 10, A: 255})
	}
	target.SetNRGBA(1, 0, color.NRGBA{R: 50, G: 10, B: 10, A: 255})
	return pngBytes(t, baseline), pngBytes(t, target)
}

func multipartRequest(t *testing.T, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	for name, data := range files {
		part, err := writer.CreateFormFile(name, name+".png")
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		_, _ = part.Write(data)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/diff", &body)
	r.Header.Set("Content-Type", writer.FormDataContentType())
	return r
}

func serve(handler http.Handler, r *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, r)
	return recorder
}

func decodeJSON[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(recorder.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", recorder.Body.String(), err)
	}
	return v
}

func TestHandleDiff(t *testing.T) {
	handler := newTestHandler(t, NewServer())
	baseline, target := scenarioPair(t)

	tests := []struct {
		tolerance string
		want      DiffResponse
	}{
		{
			tolerance: "5",
			want: DiffResponse{
				Width:               2,
				Height:              1,
				DifferingPixelCount: 1,
				TotalPixelCount:     2,
				MatchPercentage:     50,
				DiffAmount:          0.5,
			},
		},
		{
			tolerance: "10",
			want: DiffResponse{
				Width:               2,
				Height:              1,
				DifferingPixelCount: 0,
				TotalPixelCount:     2,
				MatchPercentage:     100,
				DiffAmount:          0,
			},
		},
	}

	for _, tt := range tests {
		t.Run("tolerance "+tt.tolerance, func(t *testing.T) {
			recorder := serve(handler, multipartRequest(t,
				map[string]string{"tolerance": tt.tolerance},
				map[string][]byte{"baseline": baseline, "target": target},
			))
			if diff := cmp.Diff(http.StatusOK, recorder.Code); diff != "" {
				t.Fatalf("status (-want +got):\n%s\n%s", diff, recorder.Body.String())
			}

			got := decodeJSON[DiffResponse](t, recorder)
			data, err := base64.StdEncoding.DecodeString(got.DiffData)
			if err != nil {
				t.Fatalf("failed to decode diffData: %v", err)
			}
			mask, err := png.Decode(bytes.NewReader(data))
			if err != nil {
				t.Fatalf("failed to decode mask: %v", err)
			}
			if diff := cmp.Diff(image.Rect(0, 0, 2, 1), mask.Bounds()); diff != "" {
				t.Errorf("mask bounds (-want +got):\n%s", diff)
			}

			got.DiffData = ""
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("response (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandleDiff_Highlight(t *testing.T) {
	handler := newTestHandler(t, NewServer())
	baseline, target := scenarioPair(t)

	recorder := serve(handler, multipartRequest(t, nil, map[string][]byte{"baseline": baseline, "target": target}))
	got := decodeJSON[DiffResponse](t, recorder)

	data, _ := base64.StdEncoding.DecodeString(got.DiffData)
	mask, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to decode mask: %v", err)
	}
	if diff := cmp.Diff(color.Color(diffimage.HighlightColor), color.NRGBAModel.Convert(mask.At(1, 0))); diff != "" {
		t.Errorf("highlight (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(color.Color(color.NRGBA{R: 10, G: 10, B: 10, A: 178}), color.NRGBAModel.Convert(mask.At(0, 0))); diff != "" {
		t.Errorf("passthrough (-want +got):\n%s", diff)
	}
}

func TestHandleDiff_Errors(t *testing.T) {
	handler := newTestHandler(t, NewServer())
	baseline, _ := scenarioPair(t)
	larger := pngBytes(t, image.NewNRGBA(image.Rect(0, 0, 3, 1)))

	tests := []struct {
		name    string
		fields  map[string]string
		files   map[string][]byte
		status  int
		message string
	}{
		{
			name:    "dimension mismatch",
			files:   map[string][]byte{"baseline": baseline, "target": larger},
			status:  http.StatusUnprocessableEntity,
			message: "images must have matching dimensions",
		},
		{
			name:    "undecodable target",
			files:   map[string][]byte{"baseline": baseline, "target": []byte("nope")},
			status:  http.StatusBadRequest,
			message: "failed to decode image",
		},
		{
			name:    "missing target",
			files:   map[string][]byte{"baseline": baseline},
			status:  http.StatusBadRequest,
			message: "missing form file",
		},
		{
			name:    "tolerance out of range",
			fields:  map[string]string{"tolerance": "101"},
			files:   map[string][]byte{"baseline": baseline, "target": baseline},
			status:  http.StatusBadRequest,
			message: "tolerance must be an integer between 0 and 100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := serve(handler, multipartRequest(t, tt.fields, tt.files))
			if diff := cmp.Diff(tt.status, recorder.Code); diff != "" {
				t.Errorf("status (-want +got):\n%s", diff)
			}
			got := decodeJSON[map[string]string](t, recorder)
			if !strings.Contains(got["error"], tt.message) {
				t.Errorf("Expected error containing %q, got %q", tt.message, got["error"])
			}
		})
	}
}

func TestHandleDiff_Persists(t *testing.T) {
	s := NewServer()
	st, err := storage.NewFileStorage(t.Context(), storage.FileConfig{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.storage = st
	handler := newTestHandler(t, s)
	baseline, target := scenarioPair(t)

	recorder := serve(handler, multipartRequest(t, nil, map[string][]byte{"baseline": baseline, "target": target}))
	got := decodeJSON[DiffResponse](t, recorder)
	if got.DiffPath == "" {
		t.Fatalf("Expected a diffPath, got %s", recorder.Body.String())
	}

	stored, err := os.ReadFile(got.DiffPath)
	if err != nil {
		t.Fatalf("failed to read stored diff: %v", err)
	}
	if diff := cmp.Diff(got.DiffData, base64.StdEncoding.EncodeToString(stored)); diff != "" {
		t.Errorf("stored data (-want +got):\n%s", diff)
	}

	recorder = serve(handler, httptest.NewRequest(http.MethodGet, "/diffs?url="+url.QueryEscape(got.DiffPath), nil))
	if diff := cmp.Diff(http.StatusOK, recorder.Code); diff != "" {
		t.Fatalf("status (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("image/png", recorder.Header().Get("Content-Type")); diff != "" {
		t.Errorf("content type (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(stored, recorder.Body.Bytes()); diff != "" {
		t.Errorf("served data (-want +got):\n%s", diff)
	}
}

func TestSessionCompare_DistinctArtifacts(t *testing.T) {
	s := NewServer()
	st, err := storage.NewFileStorage(t.Context(), storage.FileConfig{Directory: t.TempDir()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.storage = st
	handler := newTestHandler(t, s)
	baseline, target := scenarioPair(t)

	serve(handler, httptest.NewRequest(http.MethodPut, "/session/baseline", bytes.NewReader(baseline)))
	serve(handler, httptest.NewRequest(http.MethodPut, "/session/target", bytes.NewReader(target)))

	paths := map[string]bool{}
	for i := 0; i < 3; i++ {
		recorder := serve(handler, httptest.NewRequest(http.MethodPost, "/session/compare", nil))
		if diff := cmp.Diff(http.StatusOK, recorder.Code); diff != "" {
			t.Fatalf("compare %d status (-want +got):\n%s", i, diff)
		}
		got := decodeJSON[DiffResponse](t, recorder)
		if paths[got.DiffPath] {
			t.Errorf("compare %d overwrote an earlier artifact at %s", i, got.DiffPath)
		}
		paths[got.DiffPath] = true
	}
}

func TestStoredDiff_Errors(t *testing.T) {
	dir := t.TempDir()
	st, err := storage.NewFileStorage(t.Context(), storage.FileConfig{Directory: dir})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	withStorage := NewServer()
	withStorage.storage = st

	tests := []struct {
		name   string
		server *Server
		target string
		status int
	}{
		{"no storage", NewServer(), "/diffs?url=" + url.QueryEscape(filepath.Join(dir, "a.png")), http.StatusNotFound},
		{"missing url", withStorage, "/diffs", http.StatusBadRequest},
		{"outside directory", withStorage, "/diffs?url=" + url.QueryEscape("/etc/passwd"), http.StatusBadRequest},
		{"unknown diff", withStorage, "/diffs?url=" + url.QueryEscape(filepath.Join(dir, "diff", "missing.png")), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := serve(newTestHandler(t, tt.server), httptest.NewRequest(http.MethodGet, tt.target, nil))
			if diff := cmp.Diff(tt.status, recorder.Code); diff != "" {
				t.Errorf("status (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSessionFlow(t *testing.T) {
	handler := newTestHandler(t, NewServer())
	baseline, target := scenarioPair(t)

	recorder := serve(handler, httptest.NewRequest(http.MethodGet, "/session/diff.png", nil))
	if diff := cmp.Diff(http.StatusNotFound, recorder.Code); diff != "" {
		t.Errorf("download before compare (-want +got):\n%s", diff)
	}

	recorder = serve(handler, httptest.NewRequest(http.MethodPost, "/session/compare", nil))
	if diff := cmp.Diff(http.StatusConflict, recorder.Code); diff != "" {
		t.Errorf("compare without images (-want +got):\n%s", diff)
	}

	recorder = serve(handler, httptest.NewRequest(http.MethodPut, "/session/baseline", bytes.NewReader(baseline)))
	if diff := cmp.Diff(http.StatusOK, recorder.Code); diff != "" {
		t.Fatalf("upload baseline (-want +got):\n%s", diff)
	}
	recorder = serve(handler, httptest.NewRequest(http.MethodPut, "/session/target", bytes.NewReader(target)))
	if diff := cmp.Diff(http.StatusOK, recorder.Code); diff != "" {
		t.Fatalf("upload target (-want +got):\n%s", diff)
	}
	state := decodeJSON[SessionResponse](t, recorder)
	if !state.HasBaseline || !state.HasTarget || state.Error != "" {
		t.Errorf("unexpected state after uploads: %+v", state)
	}

	recorder = serve(handler, httptest.NewRequest(http.MethodPost, "/session/compare", nil))
	if diff := cmp.Diff(http.StatusOK, recorder.Code); diff != "" {
		t.Fatalf("compare (-want +got):\n%s", diff)
	}
	result := decodeJSON[DiffResponse](t, recorder)
	if diff := cmp.Diff(50.0, result.MatchPercentage); diff != "" {
		t.Errorf("match (-want +got):\n%s", diff)
	}

	recorder = serve(handler, httptest.NewRequest(http.MethodGet, "/session/diff.png", nil))
	if diff := cmp.Diff(http.StatusOK, recorder.Code); diff != "" {
		t.Fatalf("download (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(`attachment; filename=image-diff.png`, recorder.Header().Get("Content-Disposition")); diff != "" {
		t.Errorf("content disposition (-want +got):\n%s", diff)
	}
	if _, err := png.Decode(recorder.Body); err != nil {
		t.Errorf("failed to decode download: %v", err)
	}

	recorder = serve(handler, httptest.NewRequest(http.MethodPut, "/session/target", strings.NewReader("not an image")))
	if diff := cmp.Diff(http.StatusBadRequest, recorder.Code); diff != "" {
		t.Errorf("bad upload (-want +got):\n%s", diff)
	}

	recorder = serve(handler, httptest.NewRequest(http.MethodGet, "/session", nil))
	state = decodeJSON[SessionResponse](t, recorder)
	if state.Result != nil {
		t.Errorf("Expected the failed upload to clear the result, got %+v", state.Result)
	}
	if !strings.Contains(state.Error, "failed to decode image") {
		t.Errorf("Expected a decode error, got %q", state.Error)
	}
}

func TestSessionTolerance(t *testing.T) {
	handler := newTestHandler(t, NewServer())

	tests := []struct {
		value  string
		status int
	}{
		{"20", http.StatusOK},
		{"0", http.StatusOK},
		{"100", http.StatusOK},
		{"", http.StatusBadRequest},
		{"abc", http.StatusBadRequest},
		{"-1", http.StatusBadRequest},
		{"101", http.StatusBadRequest},
	}

	for _, tt := range tests {
		recorder := serve(handler, httptest.NewRequest(http.MethodPut, "/session/tolerance?value="+tt.value, nil))
		if diff := cmp.Diff(tt.status, recorder.Code); diff != "" {
			t.Errorf("value %q: status (-want +got):\n%s", tt.value, diff)
			continue
		}
		if tt.status == http.StatusOK {
			state := decodeJSON[SessionResponse](t, recorder)
			if diff := cmp.Diff(tt.value, strconv.Itoa(state.Tolerance)); diff != "" {
				t.Errorf("tolerance (-want +got):\n%s", diff)
			}
		}
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestSessionUpload_ReadErrors(t *testing.T) {
	s := NewServer()
	s.maxUploadBytes = 8
	handler := newTestHandler(t, s)

	tests := []struct {
		name   string
		body   io.Reader
		status int
	}{
		{"too large", bytes.NewReader(make([]byte, 100)), http.StatusRequestEntityTooLarge},
		{"broken body", failingReader{}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := serve(handler, httptest.NewRequest(http.MethodPut, "/session/baseline", tt.body))
			if diff := cmp.Diff(tt.status, recorder.Code); diff != "" {
				t.Errorf("status (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewServer_RecordsBeforeStart(t *testing.T) {
	s := NewServer()
	result := &diffimage.DiffResult{Image: image.NewNRGBA(image.Rect(0, 0, 1, 1)), TotalPixelCount: 1}

	s.record(t.Context(), result, nil)
	s.record(t.Context(), nil, diffimage.ErrDimensionMismatch)
}

func TestUnknownSide(t *testing.T) {
	handler := newTestHandler(t, NewServer())

	recorder := serve(handler, httptest.NewRequest(http.MethodPut, "/session/left", strings.NewReader("x")))
	if diff := cmp.Diff(http.StatusNotFound, recorder.Code); diff != "" {
		t.Errorf("status (-want +got):\n%s", diff)
	}
}
