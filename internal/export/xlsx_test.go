package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"occupancy-service/internal/domain/occupancy"
	"occupancy-service/internal/service"
)

func TestWriteCycles(t *testing.T) {
	cycles := []occupancy.AnalysisCycle{
		{
			ID:        uuid.New(),
			ViewID:    "view_a",
			LotID:     "lot-1",
			Timestamp: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
			State:     occupancy.CycleCompleted,
			Info:      occupancy.NewOccupancyInfo(2, 1, 1),
			Verdicts: []occupancy.SlotVerdict{
				{SlotID: "slot_1", Occupied: true, MaxOverlap: 0.64, VehicleCount: 1},
				{SlotID: "slot_2"},
			},
		},
		{
			ID:        uuid.New(),
			ViewID:    "view_a",
			Timestamp: time.Date(2026, 7, 1, 10, 3, 0, 0, time.UTC),
			State:     occupancy.CycleSkipped,
		},
	}

	var buf bytes.Buffer
	if err := WriteCycles(&buf, cycles); err != nil {
		t.Fatalf("WriteCycles() error = %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("output is not a workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows(cyclesSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("cycles sheet has %d rows, want header + 2", len(rows))
	}
	if rows[1][4] != "COMPLETED" || rows[1][7] != "50" {
		t.Errorf("first cycle row = %v", rows[1])
	}

	slotRows, err := f.GetRows(slotsSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(slotRows) != 3 || slotRows[1][2] != "slot_1" || slotRows[1][3] != "TRUE" {
		t.Errorf("slot rows = %v", slotRows)
	}
}

func TestWriteSweep(t *testing.T) {
	points := []service.SweepPoint{
		{Threshold: 0.1, OccupiedSlots: 2, TotalSlots: 2, Rate: 1},
		{Threshold: 0.2, OccupiedSlots: 1, TotalSlots: 2, Rate: 0.5},
	}
	var buf bytes.Buffer
	if err := WriteSweep(&buf, points, 0.5); err != nil {
		t.Fatalf("WriteSweep() error = %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows(sweepSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[2][0] != "0.2" || rows[2][3] != "50" {
		t.Errorf("sweep rows = %v", rows)
	}

	plain, _ := f.GetCellStyle(sweepSheet, "A2")
	marked, _ := f.GetCellStyle(sweepSheet, "A3")
	if marked == plain {
		t.Errorf("best threshold row is not highlighted")
	}
}
