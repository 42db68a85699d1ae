package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/JonMunkholm/ipsdiag/internal/logging"
	"github.com/JonMunkholm/ipsdiag/internal/registry"
)

// ErrSuperseded is returned by Submit when a newer submission started
// before this one finished. The newer run owns the session.
var ErrSuperseded = errors.New("archive processing superseded by a newer upload")

// ErrNoArchive is returned when no archive has been processed yet.
var ErrNoArchive = errors.New("archive not found")

// Session is one processed archive.
type Session struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Size       int64         `json:"size"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Counts     Counts        `json:"counts"`
	Records    *RecordSet    `json:"-"`
	Duration   time.Duration `json:"-"`
}

// Service holds the current archive of a single-user session. Only one
// archive is processed at a time: submitting a new archive discards the
// current one and cancels the run in flight.
type Service struct {
	pipeline Processor

	mu      sync.RWMutex
	cancel  context.CancelFunc
	seq     uint64
	current *Session
}

// Processor turns archive bytes into a RecordSet. *Pipeline is the
// production implementation.
type Processor interface {
	Process(ctx context.Context, data []byte) (*RecordSet, error)
	Registry() *registry.Registry
}

// NewService creates a Service around p.
func NewService(p Processor) *Service {
	return &Service{pipeline: p}
}

// Registry returns the artifact registry in use.
func (s *Service) Registry() *registry.Registry { return s.pipeline.Registry() }

// Submit processes data and makes it the current archive. The previous
// archive is discarded as soon as Submit starts, and a run started by an
// earlier Submit is cancelled and returns ErrSuperseded.
func (s *Service) Submit(ctx context.Context, name string, data []byte) (*Session, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.supersedeLocked()
	s.cancel = cancel
	seq := s.seq
	s.mu.Unlock()

	sess := &Session{
		ID:        uuid.New().String(),
		Name:      name,
		Size:      int64(len(data)),
		StartedAt: time.Now(),
	}
	logger := logging.WithFields(ctx, "archive_id", sess.ID, "archive", name)
	logger.Info("archive processing started", "size", humanize.IBytes(uint64(sess.Size)))

	rs, err := s.pipeline.Process(runCtx, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	latest := seq == s.seq
	if latest {
		s.cancel = nil
	}

	if err != nil {
		if !latest && errors.Is(err, context.Canceled) {
			logger.Info("archive processing superseded")
			return nil, ErrSuperseded
		}
		logger.Error("archive processing failed", "error", err)
		return nil, err
	}
	if !latest {
		logger.Info("archive processing superseded")
		return nil, ErrSuperseded
	}

	sess.FinishedAt = time.Now()
	sess.Duration = sess.FinishedAt.Sub(sess.StartedAt)
	sess.Records = rs
	sess.Counts = rs.Counts()
	s.current = sess

	logger.Info("archive processing completed",
		"artifacts", sess.Counts.Artifacts,
		"events", sess.Counts.Events,
		"sections", sess.Counts.Sections,
		"tables", sess.Counts.Tables,
		"series", sess.Counts.Series,
		"diagnostics", sess.Counts.Diagnostics,
		"duration_ms", sess.Duration.Milliseconds(),
	)
	return sess, nil
}

// Current returns the most recently completed session.
func (s *Service) Current() (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, ErrNoArchive
	}
	return s.current, nil
}

// Supersede discards the current archive and cancels the run in flight,
// which then returns ErrSuperseded. Callers that wait for an upload slot
// call it before waiting so that the old run gives its slot up.
func (s *Service) Supersede() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supersedeLocked()
}

func (s *Service) supersedeLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.seq++
	s.current = nil
}

// Cancel stops the run in flight, if any.
func (s *Service) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
