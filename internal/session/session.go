package session

import (
	"context"
	"errors"
	"image"
	"sync"

	diffimage "image-comparator/internal/diff/image"
)

const DefaultTolerance = 5

var (
	ErrMissingImage = errors.New("both images must be uploaded before comparing")
	ErrSuperseded   = errors.New("comparison superseded by newer input")
)

// State is a copy of the session's public state.
type State struct {
	HasBaseline bool
	HasTarget   bool
	Tolerance   int
	Busy        bool
	Result      *diffimage.DiffResult
	Err         error
}

// Session holds the images and tolerance a user is working with, the outcome of
// the last comparison, and at most one comparison in flight. Uploading either
// image or recording an error clears the previous outcome; a result is only
// published by the comparison that is still current when it finishes.
type Session struct {
	newDiffer func(tolerance int) diffimage.Differ

	mu         sync.Mutex
	baseline   image.Image
	target     image.Image
	tolerance  int
	result     *diffimage.DiffResult
	err        error
	busy       bool
	generation uint64
	cancel     context.CancelFunc
}

func New() *Session {
	return NewWithDiffer(func(tolerance int) diffimage.Differ {
		return diffimage.NewPixelDiff(tolerance)
	})
}

func NewWithDiffer(newDiffer func(tolerance int) diffimage.Differ) *Session {
	return &Session{
		newDiffer: newDiffer,
		tolerance: DefaultTolerance,
	}
}

func (s *Session) SetBaseline(img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.baseline = img
	s.resetLocked()
}

func (s *Session) SetTarget(img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.target = img
	s.resetLocked()
}

// SetTolerance clamps t to [0, 100] and returns the stored value.
func (s *Session) SetTolerance(t int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tolerance = max(0, min(100, t))
	return s.tolerance
}

// Fail records an error raised outside the engine, such as an upload that could
// not be decoded.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	s.err = err
}

func (s *Session) Compare(ctx context.Context) (*diffimage.DiffResult, error) {
	s.mu.Lock()
	if s.baseline == nil || s.target == nil {
		s.resetLocked()
		s.err = ErrMissingImage
		s.mu.Unlock()
		return nil, ErrMissingImage
	}

	s.resetLocked()
	ctx, cancel := context.WithCancel(ctx)
	generation := s.generation
	s.cancel = cancel
	s.busy = true
	baseline, target := s.baseline, s.target
	differ := s.newDiffer(s.tolerance)
	s.mu.Unlock()

	result, err := differ.Calculate(ctx, baseline, target)

	s.mu.Lock()
	defer s.mu.Unlock()
	cancel()

	if generation != s.generation {
		return nil, ErrSuperseded
	}

	s.busy = false
	s.cancel = nil
	if err != nil {
		s.err = err
		return nil, err
	}
	s.result = result
	return result, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return State{
		HasBaseline: s.baseline != nil,
		HasTarget:   s.target != nil,
		Tolerance:   s.tolerance,
		Busy:        s.busy,
		Result:      s.result,
		Err:         s.err,
	}
}

// resetLocked abandons any comparison in flight and clears the last outcome.
func (s *Session) resetLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.generation++
	s.busy = false
	s.result = nil
	s.err = nil
}
