package service

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"occupancy-service/internal/domain/occupancy"
	"occupancy-service/internal/repository"
)

// Auditor keeps a record of finished cycles.
type Auditor interface {
	Record(ctx context.Context, cycle *occupancy.AnalysisCycle) error
}

type CycleService struct {
	repo *repository.CycleRepository
	log  zerolog.Logger
}

func NewCycleService(repo *repository.CycleRepository, log zerolog.Logger) *CycleService {
	return &CycleService{
		repo: repo,
		log:  log,
	}
}

func (s *CycleService) Record(ctx context.Context, cycle *occupancy.AnalysisCycle) error {
	if err := s.repo.Save(ctx, cycle); err != nil {
		s.log.Error().
			Err(err).
			Str("cycle_id", cycle.ID.String()).
			Str("view_id", cycle.ViewID).
			Msg("failed to save analysis cycle")
		return err
	}
	return nil
}

func (s *CycleService) Latest(ctx context.Context, viewID string) (*occupancy.AnalysisCycle, error) {
	cycle, err := s.repo.Latest(ctx, viewID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest cycle: %w", err)
	}
	if cycle == nil {
		return nil, fmt.Errorf("%w: no cycles for view %s", ErrNotFound, viewID)
	}
	return cycle, nil
}

func (s *CycleService) FindCycles(ctx context.Context, viewID *string, from, to *string, limit, offset int) ([]occupancy.AnalysisCycle, error) {
	filter := repository.CycleFilter{ViewID: viewID}

	if from != nil && *from != "" {
		t, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid from time format", ErrInvalidInput)
		}
		filter.From = &t
	}
	if to != nil && *to != "" {
		t, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid to time format", ErrInvalidInput)
		}
		filter.To = &t
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, fmt.Errorf("%w: to is before from", ErrInvalidInput)
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	filter.Limit = limit
	filter.Offset = offset

	cycles, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find cycles: %w", err)
	}
	return cycles, nil
}

// CleanupOldCycles удаляет циклы старше указанного количества дней
func (s *CycleService) CleanupOldCycles(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	deleted, err := s.repo.DeleteOlderThan(ctx, days)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("failed to cleanup old cycles")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Int("days", days).Msg("cleaned up old cycles")
	}
	return deleted, nil
}

// FileAuditor writes one JSON document per cycle when no database is
// configured.
type FileAuditor struct {
	Dir string
}

func (a *FileAuditor) Record(ctx context.Context, cycle *occupancy.AnalysisCycle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	data, err := json.MarshalIndent(cycle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cycle: %w", err)
	}
	name := fmt.Sprintf("occupancy_result_%s_%s.json", cycle.Timestamp.UTC().Format("20060102_150405"), cycle.ID)
	path := filepath.Join(a.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cycle result: %w", err)
	}
	return os.Rename(tmp, path)
}
