package repository

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"occupancy-service/internal/config"
	"occupancy-service/internal/db"
	"occupancy-service/internal/domain/occupancy"
	"occupancy-service/internal/geometry"
)

func newSQLiteRepo(t *testing.T) *CycleRepository {
	t.Helper()
	cfg := &config.Config{DB: config.DBConfig{DSN: filepath.Join(t.TempDir(), "audit.db")}}
	database, err := db.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	return NewCycleRepository(database)
}

func newMockRepo(t *testing.T) (*CycleRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	database, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm.Open() error = %v", err)
	}
	return NewCycleRepository(database), mock
}

func testCycle(view string, ts time.Time, occupied bool) *occupancy.AnalysisCycle {
	match := &occupancy.Detection{Box: geometry.Box{X1: 10, Y1: 10, X2: 90, Y2: 90}, Confidence: 0.8, ClassID: 2}
	verdicts := []occupancy.SlotVerdict{
		{SlotID: "slot_1", Occupied: occupied, MaxOverlap: 0.64, MatchedDetection: match, VehicleCount: 1},
		{SlotID: "slot_2"},
	}
	occupiedSlots := 0
	if occupied {
		occupiedSlots = 1
	}
	return &occupancy.AnalysisCycle{
		ID:             uuid.New(),
		ViewID:         view,
		LotID:          "lot-1",
		Timestamp:      ts,
		Verdicts:       verdicts,
		Info:           occupancy.NewOccupancyInfo(2, occupiedSlots, 1),
		DetectionCount: 1,
		Delivered:      true,
		State:          occupancy.CycleCompleted,
		Duration:       1500 * time.Millisecond,
		SnapshotURL:    "https://cdn/snap.jpg",
	}
}

func TestSaveAndLatest(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	older := testCycle("view_a", base, false)
	newer := testCycle("view_a", base.Add(3*time.Minute), true)
	other := testCycle("view_b", base.Add(time.Hour), true)
	for _, c := range []*occupancy.AnalysisCycle{older, newer, other} {
		if err := repo.Save(ctx, c); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	got, err := repo.Latest(ctx, "view_a")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if got == nil || got.ID != newer.ID {
		t.Fatalf("Latest() = %+v, want cycle %s", got, newer.ID)
	}
	if !got.Timestamp.Equal(newer.Timestamp) {
		t.Errorf("Latest() timestamp = %v, want %v", got.Timestamp, newer.Timestamp)
	}
	if len(got.Verdicts) != 2 || !got.Verdicts[0].Occupied || got.Verdicts[0].MatchedDetection == nil {
		t.Errorf("Latest() verdicts not round-tripped: %+v", got.Verdicts)
	}
	if got.Info.OccupancyRatio != "1/2" || got.Duration != 1500*time.Millisecond {
		t.Errorf("Latest() info = %+v duration = %v", got.Info, got.Duration)
	}
	if got.SnapshotURL != "https://cdn/snap.jpg" {
		t.Errorf("Latest() snapshot = %q", got.SnapshotURL)
	}

	missing, err := repo.Latest(ctx, "unknown")
	if err != nil || missing != nil {
		t.Errorf("Latest(unknown) = %v, %v; want nil, nil", missing, err)
	}
}

func TestList(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := repo.Save(ctx, testCycle("view_a", base.Add(time.Duration(i)*time.Minute), i%2 == 0)); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.Save(ctx, testCycle("view_b", base, true)); err != nil {
		t.Fatal(err)
	}

	view := "view_a"
	from := base.Add(time.Minute)
	to := base.Add(3 * time.Minute)

	tests := []struct {
		name   string
		filter CycleFilter
		want   int
	}{
		{name: "all", filter: CycleFilter{}, want: 6},
		{name: "by view", filter: CycleFilter{ViewID: &view}, want: 5},
		{name: "time window", filter: CycleFilter{ViewID: &view, From: &from, To: &to}, want: 3},
		{name: "limit", filter: CycleFilter{ViewID: &view, Limit: 2}, want: 2},
		{name: "offset", filter: CycleFilter{ViewID: &view, Limit: 10, Offset: 4}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("List() returned %d cycles, want %d", len(got), tt.want)
			}
			for i := 1; i < len(got); i++ {
				if got[i].Timestamp.After(got[i-1].Timestamp) {
					t.Errorf("List() not ordered newest first")
				}
			}
		})
	}
}

func TestSaveError(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "analysis_cycles"`)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.Save(context.Background(), testCycle("view_a", time.Now(), true))
	if err == nil {
		t.Fatal("Save() should fail when the insert fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "analysis_cycles" WHERE created_at < $1`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectCommit()

	deleted, err := repo.DeleteOlderThan(context.Background(), 30)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 7 {
		t.Errorf("DeleteOlderThan() = %d, want 7", deleted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
