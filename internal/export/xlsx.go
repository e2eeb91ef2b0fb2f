// Package export writes cycle history and calibration sweeps as xlsx
// workbooks.
package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"occupancy-service/internal/domain/occupancy"
	"occupancy-service/internal/service"
)

const (
	cyclesSheet = "Cycles"
	slotsSheet  = "Slots"
	sweepSheet  = "Sweep"
)

var cycleHeader = []any{
	"Cycle ID", "View", "Lot", "Timestamp (UTC)", "State", "Total slots",
	"Occupied slots", "Occupancy %", "Vehicles", "Detections", "Delivered", "Duration ms", "Snapshot",
}

var slotHeader = []any{"Cycle ID", "Timestamp (UTC)", "Slot", "Occupied", "Max IoU", "Vehicle count"}

// WriteCycles writes one row per cycle on the first sheet and one row per
// slot verdict on the second.
func WriteCycles(w io.Writer, cycles []occupancy.AnalysisCycle) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", cyclesSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(slotsSheet); err != nil {
		return err
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	if err := writeHeader(f, cyclesSheet, cycleHeader, bold); err != nil {
		return err
	}
	if err := writeHeader(f, slotsSheet, slotHeader, bold); err != nil {
		return err
	}

	slotRow := 2
	for i, c := range cycles {
		ts := c.Timestamp.UTC().Format(time.RFC3339)
		row := []any{
			c.ID.String(), c.ViewID, c.LotID, ts, string(c.State), c.Info.TotalSlots,
			c.Info.OccupiedSlots, c.Info.OccupancyPercent, c.Info.TotalVehicles, c.DetectionCount,
			c.Delivered, c.Duration.Milliseconds(), c.SnapshotURL,
		}
		if err := setRow(f, cyclesSheet, i+2, row); err != nil {
			return err
		}
		for _, v := range c.Verdicts {
			if err := setRow(f, slotsSheet, slotRow, []any{c.ID.String(), ts, v.SlotID, v.Occupied, v.MaxOverlap, v.VehicleCount}); err != nil {
				return err
			}
			slotRow++
		}
	}

	_ = f.SetColWidth(cyclesSheet, "A", "A", 38)
	_ = f.SetColWidth(cyclesSheet, "D", "D", 22)
	_ = f.SetColWidth(slotsSheet, "A", "B", 38)

	return f.Write(w)
}

// WriteSweep writes a threshold sweep and marks the row closest to the
// target rate.
func WriteSweep(w io.Writer, points []service.SweepPoint, targetRate float64) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sweepSheet); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	highlight, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFF2CC"}},
	})
	if err != nil {
		return err
	}

	if err := writeHeader(f, sweepSheet, []any{"IoU threshold", "Occupied slots", "Total slots", "Occupancy %"}, bold); err != nil {
		return err
	}

	best, hasBest := service.BestThreshold(points, targetRate)
	for i, p := range points {
		row := i + 2
		if err := setRow(f, sweepSheet, row, []any{p.Threshold, p.OccupiedSlots, p.TotalSlots, p.Rate * 100}); err != nil {
			return err
		}
		if hasBest && p.Threshold == best.Threshold {
			first, _ := excelize.CoordinatesToCellName(1, row)
			last, _ := excelize.CoordinatesToCellName(4, row)
			if err := f.SetCellStyle(sweepSheet, first, last, highlight); err != nil {
				return err
			}
		}
	}

	return f.Write(w)
}

func writeHeader(f *excelize.File, sheet string, header []any, style int) error {
	if err := setRow(f, sheet, 1, header); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, "A1", last, style)
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}
