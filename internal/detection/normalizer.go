package detection

import (
	"errors"
	"math"

	"github.com/rs/zerolog"

	"occupancy-service/internal/domain/occupancy"
	"occupancy-service/internal/geometry"
)

// DefaultVehicleClasses are the COCO-style ids used by the stock vehicle
// models: car (0 and 2 depending on the model), motorcycle, bus, truck.
var DefaultVehicleClasses = []int{0, 2, 3, 5, 7}

type Normalizer struct {
	allowed       map[int]struct{}
	minConfidence float64
	log           zerolog.Logger
}

func NewNormalizer(classes []int, minConfidence float64, log zerolog.Logger) (*Normalizer, error) {
	if len(classes) == 0 {
		return nil, errors.New("vehicle class allow-list is empty")
	}
	allowed := make(map[int]struct{}, len(classes))
	for _, c := range classes {
		allowed[c] = struct{}{}
	}
	return &Normalizer{
		allowed:       allowed,
		minConfidence: minConfidence,
		log:           log,
	}, nil
}

// Normalize converts center-format detections into pixel boxes. Coordinates
// are truncated to whole pixels, so sub-pixel precision is lost. Boxes that
// end up empty, non-vehicle classes and low-confidence detections are
// dropped.
func (n *Normalizer) Normalize(raw []occupancy.RawDetection, frameWidth, frameHeight int) []occupancy.Detection {
	out := make([]occupancy.Detection, 0, len(raw))
	fw, fh := float64(frameWidth), float64(frameHeight)

	var skippedClass, skippedConf, skippedBox int
	for _, r := range raw {
		if _, ok := n.allowed[r.ClassID]; !ok {
			skippedClass++
			continue
		}
		if r.Confidence < n.minConfidence {
			skippedConf++
			continue
		}

		box := geometry.Box{
			X1: math.Trunc((r.XCenter - r.Width/2) * fw),
			Y1: math.Trunc((r.YCenter - r.Height/2) * fh),
			X2: math.Trunc((r.XCenter + r.Width/2) * fw),
			Y2: math.Trunc((r.YCenter + r.Height/2) * fh),
		}
		if !box.Valid() {
			skippedBox++
			n.log.Debug().
				Int("class_id", r.ClassID).
				Float64("x_center", r.XCenter).
				Float64("y_center", r.YCenter).
				Float64("width", r.Width).
				Float64("height", r.Height).
				Msg("dropped detection with empty box")
			continue
		}

		out = append(out, occupancy.Detection{
			Box:        box,
			Confidence: r.Confidence,
			ClassID:    r.ClassID,
		})
	}

	if skippedClass+skippedConf+skippedBox > 0 {
		n.log.Debug().
			Int("raw", len(raw)).
			Int("kept", len(out)).
			Int("skipped_class", skippedClass).
			Int("skipped_confidence", skippedConf).
			Int("skipped_box", skippedBox).
			Msg("normalized detections")
	}
	return out
}
