package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"occupancy-service/internal/domain/occupancy"
)

type CycleRepository struct {
	db *gorm.DB
}

func NewCycleRepository(db *gorm.DB) *CycleRepository {
	return &CycleRepository{db: db}
}

func (CycleRecord) TableName() string {
	return "analysis_cycles"
}

type CycleRecord struct {
	ID             string    `gorm:"primaryKey;size:36"`
	ViewID         string    `gorm:"not null"`
	LotID          string    `gorm:"not null"`
	CycleTime      time.Time `gorm:"not null"`
	State          string    `gorm:"not null"`
	TotalSlots     int
	OccupiedSlots  int
	TotalVehicles  int
	OccupancyRate  float64
	DetectionCount int
	Delivered      bool
	SnapshotURL    *string
	DurationMS     int64 `gorm:"column:duration_ms"`
	Verdicts       datatypes.JSON
	CreatedAt      time.Time
}

// CycleFilter narrows List. Nil fields are not applied.
type CycleFilter struct {
	ViewID *string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

func (r *CycleRepository) Save(ctx context.Context, cycle *occupancy.AnalysisCycle) error {
	verdicts, err := json.Marshal(cycle.Verdicts)
	if err != nil {
		return fmt.Errorf("marshal verdicts: %w", err)
	}

	if cycle.ID == uuid.Nil {
		cycle.ID = uuid.New()
	}

	record := CycleRecord{
		ID:             cycle.ID.String(),
		ViewID:         cycle.ViewID,
		LotID:          cycle.LotID,
		CycleTime:      cycle.Timestamp.UTC(),
		State:          string(cycle.State),
		TotalSlots:     cycle.Info.TotalSlots,
		OccupiedSlots:  cycle.Info.OccupiedSlots,
		TotalVehicles:  cycle.Info.TotalVehicles,
		OccupancyRate:  cycle.Info.OccupancyRate,
		DetectionCount: cycle.DetectionCount,
		Delivered:      cycle.Delivered,
		DurationMS:     cycle.Duration.Milliseconds(),
		Verdicts:       datatypes.JSON(verdicts),
		CreatedAt:      time.Now().UTC(),
	}
	if cycle.SnapshotURL != "" {
		record.SnapshotURL = &cycle.SnapshotURL
	}

	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to save analysis cycle: %w", err)
	}
	return nil
}

// Latest returns nil without error when the view has no stored cycles.
func (r *CycleRepository) Latest(ctx context.Context, viewID string) (*occupancy.AnalysisCycle, error) {
	var record CycleRecord
	err := r.db.WithContext(ctx).
		Where("view_id = ?", viewID).
		Order("cycle_time DESC").
		First(&record).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return record.toDomain()
}

func (r *CycleRepository) List(ctx context.Context, filter CycleFilter) ([]occupancy.AnalysisCycle, error) {
	query := r.db.WithContext(ctx).Model(&CycleRecord{})

	if filter.ViewID != nil {
		query = query.Where("view_id = ?", *filter.ViewID)
	}
	if filter.From != nil {
		query = query.Where("cycle_time >= ?", filter.From.UTC())
	}
	if filter.To != nil {
		query = query.Where("cycle_time <= ?", filter.To.UTC())
	}

	query = query.Order("cycle_time DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var records []CycleRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}

	out := make([]occupancy.AnalysisCycle, 0, len(records))
	for _, rec := range records {
		cycle, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *cycle)
	}
	return out, nil
}

// DeleteOlderThan удаляет циклы старше указанного количества дней
func (r *CycleRepository) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	cutoffTime := time.Now().UTC().AddDate(0, 0, -days)
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoffTime).
		Delete(&CycleRecord{})

	if result.Error != nil {
		return 0, result.Error
	}

	return result.RowsAffected, nil
}

func (rec CycleRecord) toDomain() (*occupancy.AnalysisCycle, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("cycle %q: %w", rec.ID, err)
	}

	var verdicts []occupancy.SlotVerdict
	if len(rec.Verdicts) > 0 {
		if err := json.Unmarshal(rec.Verdicts, &verdicts); err != nil {
			return nil, fmt.Errorf("cycle %s: unmarshal verdicts: %w", rec.ID, err)
		}
	}

	cycle := &occupancy.AnalysisCycle{
		ID:        id,
		ViewID:    rec.ViewID,
		LotID:     rec.LotID,
		Timestamp: rec.CycleTime,
		Verdicts:  verdicts,
		Info: occupancy.NewOccupancyInfo(
			rec.TotalSlots,
			rec.OccupiedSlots,
			rec.TotalVehicles,
		),
		DetectionCount: rec.DetectionCount,
		Delivered:      rec.Delivered,
		State:          occupancy.CycleState(rec.State),
		Duration:       time.Duration(rec.DurationMS) * time.Millisecond,
	}
	if rec.SnapshotURL != nil {
		cycle.SnapshotURL = *rec.SnapshotURL
	}
	return cycle, nil
}
