package main

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	diffimage "image-comparator/internal/diff/image"
	"image-comparator/internal/imageio"
	"image-comparator/internal/myhttp"
	"image-comparator/internal/session"
	"image-comparator/internal/storage"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/xerrors"
)

var (
	errToleranceRange = errors.New("tolerance must be an integer between 0 and 100")
	errMissingFile    = errors.New("missing form file")
)

type router interface {
	HandleFuncWithMiddleware(pattern string, handler http.HandlerFunc)
}

func (s *Server) registerRoutes(mux router) {
	mux.HandleFuncWithMiddleware("POST /diff", s.handleDiff)

	mux.HandleFuncWithMiddleware("GET /session", s.handleSessionState)
	mux.HandleFuncWithMiddleware("PUT /session/{side}", s.handleSessionUpload)
	mux.HandleFuncWithMiddleware("PUT /session/tolerance", s.handleSessionTolerance)
	mux.HandleFuncWithMiddleware("POST /session/compare", s.handleSessionCompare)
	mux.HandleFuncWithMiddleware("GET /session/diff.png", s.handleSessionDownload)

	mux.HandleFuncWithMiddleware("GET /diffs", s.handleStoredDiff)
}

type DiffResponse struct {
	DiffData            string  `json:"diffData,omitempty"`
	DiffPath            string  `json:"diffPath,omitempty"`
	Width               int     `json:"width"`
	Height              int     `json:"height"`
	DifferingPixelCount int64   `json:"differingPixelCount"`
	TotalPixelCount     int64   `json:"totalPixelCount"`
	MatchPercentage     float64 `json:"matchPercentage"`
	DiffAmount          float64 `json:"diffAmount"`
}

type SessionResponse struct {
	HasBaseline bool          `json:"hasBaseline"`
	HasTarget   bool          `json:"hasTarget"`
	Tolerance   int           `json:"tolerance"`
	Busy        bool          `json:"busy"`
	Error       string        `json:"error,omitempty"`
	Result      *DiffResponse `json:"result,omitempty"`
}

func newDiffResponse(result *diffimage.DiffResult) *DiffResponse {
	size := result.Image.Bounds().Size()
	return &DiffResponse{
		Width:               size.X,
		Height:              size.Y,
		DifferingPixelCount: result.DifferingPixelCount,
		TotalPixelCount:     result.TotalPixelCount,
		MatchPercentage:     result.MatchPercentage(),
		DiffAmount:          result.DiffAmount(),
	}
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		myhttp.WriteError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	tolerance, err := parseTolerance(r.FormValue("tolerance"), s.defaultTolerance)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	baseline, baselineName, err := s.formImage(r, "baseline")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	target, targetName, err := s.formImage(r, "target")
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	result, err := diffimage.NewPixelDiff(tolerance).Calculate(r.Context(), baseline, target)
	s.record(r.Context(), result, err)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	data, err := imageio.EncodePNG(result.Image)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	response := newDiffResponse(result)
	response.DiffData = base64.StdEncoding.EncodeToString(data)
	if response.DiffPath, err = s.persist(r.Context(), baselineName, targetName, data); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	myhttp.WriteJSON(w, http.StatusOK, response)
}

func (s *Server) formImage(r *http.Request, field string) (image.Image, string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", xerrors.Errorf("%s: %w", field, errMissingFile)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", xerrors.Errorf("failed to read %s: %w", field, err)
	}

	img, err := imageio.Decode(header.Filename, data)
	if err != nil {
		return nil, "", err
	}
	return img, header.Filename, nil
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	myhttp.WriteJSON(w, http.StatusOK, s.sessionResponse())
}

func (s *Server) handleSessionUpload(w http.ResponseWriter, r *http.Request) {
	side := r.PathValue("side")
	if side != "baseline" && side != "target" {
		myhttp.WriteError(w, http.StatusNotFound, "unknown image side: "+side)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUploadBytes))
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		myhttp.WriteError(w, http.StatusRequestEntityTooLarge, "upload exceeds "+strconv.FormatInt(maxBytesErr.Limit, 10)+" bytes")
		return
	}
	if err != nil {
		myhttp.WriteError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	img, err := imageio.Decode(side, data)
	if err != nil {
		s.session.Fail(err)
		s.writeFailure(w, r, err)
		return
	}

	if side == "baseline" {
		s.session.SetBaseline(img)
	} else {
		s.session.SetTarget(img)
	}

	myhttp.WriteJSON(w, http.StatusOK, s.sessionResponse())
}

func (s *Server) handleSessionTolerance(w http.ResponseWriter, r *http.Request) {
	tolerance, err := parseTolerance(r.URL.Query().Get("value"), -1)
	if err != nil || tolerance < 0 {
		s.writeFailure(w, r, errToleranceRange)
		return
	}

	s.session.SetTolerance(tolerance)
	myhttp.WriteJSON(w, http.StatusOK, s.sessionResponse())
}

func (s *Server) handleSessionCompare(w http.ResponseWriter, r *http.Request) {
	result, err := s.session.Compare(r.Context())
	s.record(r.Context(), result, err)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	response := newDiffResponse(result)
	if s.storage != nil {
		data, err := imageio.EncodePNG(result.Image)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		if response.DiffPath, err = s.persist(r.Context(), "session/baseline", "session/target", data); err != nil {
			s.writeFailure(w, r, err)
			return
		}
	}

	myhttp.WriteJSON(w, http.StatusOK, response)
}

func (s *Server) handleSessionDownload(w http.ResponseWriter, r *http.Request) {
	result := s.session.State().Result
	if result == nil {
		myhttp.WriteError(w, http.StatusNotFound, "no comparison result")
		return
	}

	data, err := imageio.EncodePNG(result.Image)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	writePNG(w, data, "image-diff.png")
}

// handleStoredDiff serves a mask persisted by an earlier comparison, addressed
// by the diffPath it returned.
func (s *Server) handleStoredDiff(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		myhttp.WriteError(w, http.StatusNotFound, "diff storage is not configured")
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		myhttp.WriteError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	data, err := s.storage.Get(r.Context(), url)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	writePNG(w, data, path.Base(url))
}

func writePNG(w http.ResponseWriter, data []byte, filename string) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) sessionResponse() *SessionResponse {
	state := s.session.State()
	response := &SessionResponse{
		HasBaseline: state.HasBaseline,
		HasTarget:   state.HasTarget,
		Tolerance:   state.Tolerance,
		Busy:        state.Busy,
	}
	if state.Err != nil {
		_, response.Error = statusOf(state.Err)
	}
	if state.Result != nil {
		response.Result = newDiffResponse(state.Result)
	}
	return response
}

func (s *Server) persist(ctx context.Context, baseline string, target string, data []byte) (string, error) {
	if s.storage == nil {
		return "", nil
	}

	url, err := s.storage.Put(ctx, storage.DiffKey(baseline, target, time.Now()), data)
	if err != nil {
		return "", xerrors.Errorf("failed to save diff image: %w", err)
	}
	return url, nil
}

func (s *Server) record(ctx context.Context, result *diffimage.DiffResult, err error) {
	outcome := "match"
	switch {
	case err != nil:
		outcome = "error"
	case result.DifferingPixelCount > 0:
		outcome = "differ"
	}
	s.comparisons.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if result != nil {
		s.pixels.Record(ctx, result.TotalPixelCount)
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusOf(err)
	if status >= http.StatusInternalServerError {
		myhttp.Logger(r.Context()).Error("comparison failed", "error", err)
	} else {
		myhttp.Logger(r.Context()).Info("comparison rejected", "error", err)
	}
	myhttp.WriteError(w, status, message)
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, imageio.ErrDecode):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errToleranceRange):
		return http.StatusBadRequest, errToleranceRange.Error()
	case errors.Is(err, errMissingFile):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, diffimage.ErrDimensionMismatch):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, session.ErrMissingImage), errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict, err.Error()
	case errors.Is(err, storage.ErrForeignURL):
		return http.StatusBadRequest, storage.ErrForeignURL.Error()
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "diff not found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "comparison canceled"
	default:
		return http.StatusInternalServerError, "failed to process images"
	}
}

func parseTolerance(value string, defaultValue int) (int, error) {
	if value == "" {
		return defaultValue, nil
	}
	tolerance, err := strconv.Atoi(value)
	if err != nil || tolerance < 0 || tolerance > 100 {
		return 0, xerrors.Errorf("invalid tolerance %q: %w", value, errToleranceRange)
	}
	return tolerance, nil
}
