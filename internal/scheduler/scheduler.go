// Package scheduler drives the acquire, detect, evaluate and report cycle on a
// fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"occupancy-service/internal/detection"
	"occupancy-service/internal/domain/occupancy"
	"occupancy-service/internal/frame"
	"occupancy-service/internal/metrics"
	"occupancy-service/internal/report"
	"occupancy-service/internal/service"
)

type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StateDetecting
	StateEvaluating
	StateReporting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateDetecting:
		return "detecting"
	case StateEvaluating:
		return "evaluating"
	case StateReporting:
		return "reporting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Reporter interface {
	Deliver(ctx context.Context, cycle *occupancy.AnalysisCycle) report.Result
}

type SnapshotPublisher interface {
	Publish(ctx context.Context, cycle *occupancy.AnalysisCycle, img image.Image, slots []occupancy.Slot, detections []occupancy.Detection) (string, error)
}

// Config holds one timeout per stage. Zero stage timeouts fall back to
// CycleTimeout.
type Config struct {
	ViewID         string
	LotID          string
	Interval       time.Duration
	CycleTimeout   time.Duration
	AcquireTimeout time.Duration
	DetectTimeout  time.Duration
	ReportTimeout  time.Duration
}

// Components are the collaborators of one scheduler. Auditor, Publisher and
// Metrics are optional.
type Components struct {
	Slots      []occupancy.Slot
	Source     frame.Source
	Detector   detection.Detector
	Normalizer *detection.Normalizer
	Evaluator  *service.OccupancyService
	Reporter   Reporter
	Auditor    service.Auditor
	Publisher  SnapshotPublisher
	Metrics    *metrics.Metrics
}

type Scheduler struct {
	cfg Config
	c   Components
	log zerolog.Logger

	state   atomic.Int32
	mu      sync.RWMutex
	latest  *occupancy.AnalysisCycle
	trigger chan struct{}
	now     func() time.Time
}

func New(cfg Config, c Components, log zerolog.Logger) (*Scheduler, error) {
	if c.Source == nil || c.Detector == nil || c.Normalizer == nil || c.Evaluator == nil || c.Reporter == nil {
		return nil, errors.New("scheduler: source, detector, normalizer, evaluator and reporter are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Minute
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 2 * time.Minute
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = cfg.CycleTimeout
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = cfg.CycleTimeout
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = cfg.CycleTimeout
	}
	return &Scheduler{
		cfg:     cfg,
		c:       c,
		log:     log.With().Str("component", "scheduler").Str("view_id", cfg.ViewID).Logger(),
		trigger: make(chan struct{}, 1),
		now:     time.Now,
	}, nil
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// Latest returns the most recent cycle that produced verdicts, or nil.
func (s *Scheduler) Latest() *occupancy.AnalysisCycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *Scheduler) Slots() []occupancy.Slot {
	out := make([]occupancy.Slot, len(s.c.Slots))
	copy(out, s.c.Slots)
	return out
}

// Trigger asks the loop for an extra cycle. It returns false when a request
// is already pending.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run executes a cycle immediately and then one per interval until ctx is
// done. A cycle in progress when ctx ends is finished before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().
		Dur("interval", s.cfg.Interval).
		Int("slots", len(s.c.Slots)).
		Msg("scheduler started")

	s.runOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.trigger:
			s.log.Info().Msg("manual cycle requested")
		}
		if ctx.Err() != nil {
			s.log.Info().Msg("scheduler stopped")
			return nil
		}
		s.runOnce(ctx)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	cycle, err := s.RunCycle(context.WithoutCancel(ctx))
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("cycle_id", cycle.ID.String()).
			Time("cycle_time", cycle.Timestamp).
			Msg("cycle skipped")
	}
}

// RunCycle performs one full cycle. Only acquisition and evaluation failures
// are returned; the cycle is returned in every case. Evaluation, reporting
// and the post-cycle steps share ReportTimeout, started after detection.
func (s *Scheduler) RunCycle(ctx context.Context) (*occupancy.AnalysisCycle, error) {
	start := s.now()
	cycle := &occupancy.AnalysisCycle{
		ID:        uuid.New(),
		ViewID:    s.cfg.ViewID,
		LotID:     s.cfg.LotID,
		Timestamp: start.UTC(),
	}
	log := s.log.With().Str("cycle_id", cycle.ID.String()).Logger()
	defer s.setState(StateIdle)

	s.setState(StateAcquiring)
	f, err := s.acquire(ctx)
	if err != nil {
		s.stageFailed("acquire")
		s.skip(cycle, start)
		return cycle, err
	}

	s.setState(StateDetecting)
	raw, err := s.detect(ctx, f)
	if err != nil {
		s.stageFailed("detect")
		log.Warn().Err(err).Msg("detection failed, treating as no detections")
		raw = nil
	}

	s.setState(StateEvaluating)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReportTimeout)
	defer cancel()
	detections := s.c.Normalizer.Normalize(raw, f.Width, f.Height)
	verdicts, err := s.c.Evaluator.Evaluate(ctx, s.c.Slots, detections)
	if err != nil {
		s.stageFailed("evaluate")
		s.skip(cycle, start)
		return cycle, err
	}
	cycle.Verdicts = verdicts
	cycle.Info = s.c.Evaluator.Summarize(verdicts)
	cycle.DetectionCount = len(detections)

	s.setState(StateReporting)
	result := s.c.Reporter.Deliver(ctx, cycle)
	if s.c.Metrics != nil {
		s.c.Metrics.ObserveDelivery(result.Succeeded, result.Failed)
	}
	switch {
	case result.OK():
		cycle.State = occupancy.CycleCompleted
		cycle.Delivered = true
	case result.Succeeded > 0:
		cycle.State = occupancy.CyclePartialDelivery
	default:
		cycle.State = occupancy.CycleDeliveryFailed
	}

	s.publish(ctx, cycle, f, detections)
	cycle.Duration = s.now().Sub(start)
	s.audit(ctx, cycle)

	s.mu.Lock()
	s.latest = cycle
	s.mu.Unlock()
	if s.c.Metrics != nil {
		s.c.Metrics.ObserveCycle(cycle)
	}

	log.Info().
		Str("state", string(cycle.State)).
		Int("occupied", cycle.Info.OccupiedSlots).
		Int("total", cycle.Info.TotalSlots).
		Int("detections", cycle.DetectionCount).
		Dur("duration", cycle.Duration).
		Msg("cycle finished")

	return cycle, nil
}

func (s *Scheduler) acquire(ctx context.Context) (*frame.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AcquireTimeout)
	defer cancel()
	f, err := s.c.Source.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, frame.ErrAcquisition) {
			err = fmt.Errorf("%w: %v", frame.ErrAcquisition, err)
		}
		return nil, err
	}
	return f, nil
}

func (s *Scheduler) detect(ctx context.Context, f *frame.Frame) ([]occupancy.RawDetection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DetectTimeout)
	defer cancel()
	raw, err := s.c.Detector.Detect(ctx, f)
	if err != nil && !errors.Is(err, detection.ErrDetection) {
		err = fmt.Errorf("%w: %v", detection.ErrDetection, err)
	}
	return raw, err
}

func (s *Scheduler) skip(cycle *occupancy.AnalysisCycle, start time.Time) {
	cycle.State = occupancy.CycleSkipped
	cycle.Duration = s.now().Sub(start)
	if s.c.Metrics != nil {
		s.c.Metrics.ObserveCycle(cycle)
	}
}

func (s *Scheduler) publish(ctx context.Context, cycle *occupancy.AnalysisCycle, f *frame.Frame, detections []occupancy.Detection) {
	if s.c.Publisher == nil || f.Image == nil {
		return
	}
	url, err := s.c.Publisher.Publish(ctx, cycle, f.Image, s.c.Slots, detections)
	if err != nil {
		s.stageFailed("snapshot")
		s.log.Warn().Err(err).Str("cycle_id", cycle.ID.String()).Msg("failed to publish annotated frame")
		return
	}
	cycle.SnapshotURL = url
}

func (s *Scheduler) audit(ctx context.Context, cycle *occupancy.AnalysisCycle) {
	if s.c.Auditor == nil {
		return
	}
	if err := s.c.Auditor.Record(ctx, cycle); err != nil {
		s.stageFailed("audit")
		s.log.Warn().Err(err).Str("cycle_id", cycle.ID.String()).Msg("failed to record cycle")
	}
}

func (s *Scheduler) stageFailed(stage string) {
	if s.c.Metrics != nil {
		s.c.Metrics.StageFailed(stage)
	}
}
