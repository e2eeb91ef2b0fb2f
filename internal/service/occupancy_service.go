package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"occupancy-service/internal/domain/occupancy"
	"occupancy-service/internal/geometry"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Policy holds the tunable decision parameters. The thresholds are empirical
// and must be recalibrated per camera.
type Policy struct {
	OccupancyThreshold float64
	PresenceThreshold  float64
	Workers            int
}

func DefaultPolicy() Policy {
	return Policy{
		OccupancyThreshold: 0.17,
		PresenceThreshold:  0.1,
		Workers:            4,
	}
}

type OccupancyService struct {
	policy Policy
	log    zerolog.Logger
}

func NewOccupancyService(policy Policy, log zerolog.Logger) (*OccupancyService, error) {
	if policy.OccupancyThreshold < 0 || policy.OccupancyThreshold > 1 {
		return nil, fmt.Errorf("%w: occupancy threshold %v outside [0,1]", ErrInvalidInput, policy.OccupancyThreshold)
	}
	if policy.PresenceThreshold < 0 || policy.PresenceThreshold > 1 {
		return nil, fmt.Errorf("%w: presence threshold %v outside [0,1]", ErrInvalidInput, policy.PresenceThreshold)
	}
	if policy.Workers <= 0 {
		policy.Workers = 1
	}
	return &OccupancyService{
		policy: policy,
		log:    log,
	}, nil
}

func (s *OccupancyService) Policy() Policy {
	return s.policy
}

// Evaluate scores every slot against every detection and returns one verdict
// per slot sorted by slot id. Slots are evaluated concurrently; a detection
// may count toward several slots.
func (s *OccupancyService) Evaluate(ctx context.Context, slots []occupancy.Slot, detections []occupancy.Detection) ([]occupancy.SlotVerdict, error) {
	verdicts := make([]occupancy.SlotVerdict, len(slots))
	if len(slots) == 0 {
		return verdicts, nil
	}

	var g errgroup.Group
	g.SetLimit(s.policy.Workers)
	for i := range slots {
		if err := ctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			verdicts[i] = evaluateSlot(slots[i], detections, s.policy.OccupancyThreshold, s.policy.PresenceThreshold)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("evaluate slots: %w", err)
	}

	sort.SliceStable(verdicts, func(i, j int) bool {
		return verdicts[i].SlotID < verdicts[j].SlotID
	})

	for _, v := range verdicts {
		s.log.Debug().
			Str("slot_id", v.SlotID).
			Bool("occupied", v.Occupied).
			Float64("max_iou", v.MaxOverlap).
			Int("vehicle_count", v.VehicleCount).
			Msg("slot evaluated")
	}

	return verdicts, nil
}

func evaluateSlot(slot occupancy.Slot, detections []occupancy.Detection, occupancyThreshold, presenceThreshold float64) occupancy.SlotVerdict {
	verdict := occupancy.SlotVerdict{SlotID: slot.ID}
	for i := range detections {
		iou := geometry.IoU(detections[i].Box, slot.Polygon)
		if iou > presenceThreshold {
			verdict.VehicleCount++
		}
		// strict comparison keeps the first detection on ties
		if iou > verdict.MaxOverlap {
			verdict.MaxOverlap = iou
			d := detections[i]
			verdict.MatchedDetection = &d
		}
	}
	verdict.Occupied = verdict.MatchedDetection != nil && verdict.MaxOverlap >= occupancyThreshold
	return verdict
}

func (s *OccupancyService) Summarize(verdicts []occupancy.SlotVerdict) occupancy.OccupancyInfo {
	occupied, vehicles := 0, 0
	for _, v := range verdicts {
		if v.Occupied {
			occupied++
		}
		vehicles += v.VehicleCount
	}
	return occupancy.NewOccupancyInfo(len(verdicts), occupied, vehicles)
}

// OccupancyRate is occupied slots over total slots, 0 for an empty lot.
func OccupancyRate(verdicts []occupancy.SlotVerdict) float64 {
	if len(verdicts) == 0 {
		return 0
	}
	occupied := 0
	for _, v := range verdicts {
		if v.Occupied {
			occupied++
		}
	}
	return float64(occupied) / float64(len(verdicts))
}

type SweepPoint struct {
	Threshold     float64 `json:"iou_threshold"`
	OccupiedSlots int     `json:"occupied_slots"`
	TotalSlots    int     `json:"total_slots"`
	Rate          float64 `json:"occupancy_rate"`
}

// Sweep reports the occupancy rate for each occupancy threshold in
// [from, to] with the given step. IoU values are computed once per slot.
func (s *OccupancyService) Sweep(slots []occupancy.Slot, detections []occupancy.Detection, from, to, step float64) ([]SweepPoint, error) {
	if step <= 0 || from > to {
		return nil, fmt.Errorf("%w: sweep range [%v, %v] step %v", ErrInvalidInput, from, to, step)
	}

	maxIoU := make([]float64, len(slots))
	for i, slot := range slots {
		maxIoU[i] = evaluateSlot(slot, detections, 1, 1).MaxOverlap
	}

	steps := int(math.Floor((to-from)/step+1e-9)) + 1
	points := make([]SweepPoint, 0, steps)
	for i := 0; i < steps; i++ {
		threshold := math.Round((from+float64(i)*step)*1e6) / 1e6
		occupied := 0
		for _, m := range maxIoU {
			if m > 0 && m >= threshold {
				occupied++
			}
		}
		point := SweepPoint{
			Threshold:     threshold,
			OccupiedSlots: occupied,
			TotalSlots:    len(slots),
		}
		if len(slots) > 0 {
			point.Rate = float64(occupied) / float64(len(slots))
		}
		points = append(points, point)

		s.log.Debug().
			Float64("threshold", threshold).
			Int("occupied", occupied).
			Int("total", len(slots)).
			Msg("sweep point")
	}
	return points, nil
}

// BestThreshold returns the point whose rate is closest to targetRate. Ties
// keep the lower threshold.
func BestThreshold(points []SweepPoint, targetRate float64) (SweepPoint, bool) {
	if len(points) == 0 {
		return SweepPoint{}, false
	}
	best := points[0]
	bestDiff := math.Abs(best.Rate - targetRate)
	for _, p := range points[1:] {
		if diff := math.Abs(p.Rate - targetRate); diff < bestDiff {
			best, bestDiff = p, diff
		}
	}
	return best, true
}
