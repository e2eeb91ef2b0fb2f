package occupancy

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"occupancy-service/internal/geometry"
)

type Slot struct {
	ID      string           `json:"slot_id"`
	Polygon geometry.Polygon `json:"polygon"`
}

// RawDetection is detector output in normalized center format. Spatial
// fields are fractions of the frame size.
type RawDetection struct {
	ClassID    int     `json:"class_id"`
	XCenter    float64 `json:"x_center"`
	YCenter    float64 `json:"y_center"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
}

type Detection struct {
	Box        geometry.Box `json:"bbox"`
	Confidence float64      `json:"confidence"`
	ClassID    int          `json:"class_id"`
}

type SlotVerdict struct {
	SlotID           string     `json:"slot_id"`
	Occupied         bool       `json:"occupied"`
	MaxOverlap       float64    `json:"max_iou"`
	MatchedDetection *Detection `json:"matched_detection,omitempty"`
	VehicleCount     int        `json:"vehicle_count"`
}

type OccupancyInfo struct {
	TotalSlots       int     `json:"total_slots"`
	OccupiedSlots    int     `json:"occupied_slots"`
	TotalVehicles    int     `json:"total_vehicles"`
	OccupancyRate    float64 `json:"-"`
	OccupancyPercent float64 `json:"occupancy_rate"`
	OccupancyRatio   string  `json:"occupancy_ratio"`
}

// NewOccupancyInfo derives the rate fields. A lot without slots has a rate
// of zero.
func NewOccupancyInfo(totalSlots, occupiedSlots, totalVehicles int) OccupancyInfo {
	info := OccupancyInfo{
		TotalSlots:     totalSlots,
		OccupiedSlots:  occupiedSlots,
		TotalVehicles:  totalVehicles,
		OccupancyRatio: fmt.Sprintf("%d/%d", occupiedSlots, totalSlots),
	}
	if totalSlots > 0 {
		info.OccupancyRate = float64(occupiedSlots) / float64(totalSlots)
		info.OccupancyPercent = math.Round(info.OccupancyRate*1000) / 10
	}
	return info
}

type CycleState string

const (
	CycleCompleted       CycleState = "COMPLETED"
	CycleSkipped         CycleState = "SKIPPED"
	CycleDeliveryFailed  CycleState = "DELIVERY_FAILED"
	CyclePartialDelivery CycleState = "PARTIAL_DELIVERY"
)

type AnalysisCycle struct {
	ID             uuid.UUID     `json:"id"`
	ViewID         string        `json:"view_id"`
	LotID          string        `json:"lot_id"`
	Timestamp      time.Time     `json:"timestamp"`
	Verdicts       []SlotVerdict `json:"verdicts"`
	Info           OccupancyInfo `json:"occupancy_info"`
	DetectionCount int           `json:"detection_count"`
	SnapshotURL    string        `json:"snapshot_url,omitempty"`
	Delivered      bool          `json:"delivered"`
	State          CycleState    `json:"state"`
	Duration       time.Duration `json:"duration"`
}
