package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"occupancy-service/internal/domain/occupancy"
	"occupancy-service/internal/geometry"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrUnknownView   = fmt.Errorf("%w: unknown view", ErrConfiguration)
)

// InvalidSlotGeometryError rejects a whole slot configuration because of a
// single malformed slot.
type InvalidSlotGeometryError struct {
	ViewID string
	SlotID string
	Reason string
}

func (e *InvalidSlotGeometryError) Error() string {
	return fmt.Sprintf("invalid slot geometry: view %q slot %q: %s", e.ViewID, e.SlotID, e.Reason)
}

func (e *InvalidSlotGeometryError) Unwrap() error {
	return ErrConfiguration
}

type slotRecord struct {
	SlotID string      `json:"slot_id" toml:"slot_id"`
	Coords [][]float64 `json:"coords" toml:"coords"`
}

// Registry holds the ordered slots of every configured view. It is never
// modified after Load returns.
type Registry struct {
	views map[string][]occupancy.Slot
}

func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read slot config: %v", ErrConfiguration, err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return Parse(data, format)
}

// Parse decodes a slot configuration document. format is "json" or "toml";
// anything else is treated as json.
func Parse(data []byte, format string) (*Registry, error) {
	raw := make(map[string][]slotRecord)
	var err error
	switch format {
	case "toml":
		err = toml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode slot config: %v", ErrConfiguration, err)
	}

	views := make(map[string][]occupancy.Slot, len(raw))
	for viewID, records := range raw {
		slots, err := buildView(viewID, records)
		if err != nil {
			return nil, err
		}
		views[viewID] = slots
	}
	return &Registry{views: views}, nil
}

func buildView(viewID string, records []slotRecord) ([]occupancy.Slot, error) {
	slots := make([]occupancy.Slot, 0, len(records))
	seen := make(map[string]struct{}, len(records))

	for i, rec := range records {
		id := strings.TrimSpace(rec.SlotID)
		if id == "" {
			return nil, &InvalidSlotGeometryError{ViewID: viewID, SlotID: fmt.Sprintf("#%d", i+1), Reason: "slot_id is required"}
		}
		if _, dup := seen[id]; dup {
			return nil, &InvalidSlotGeometryError{ViewID: viewID, SlotID: id, Reason: "duplicate slot_id"}
		}
		seen[id] = struct{}{}

		polygon := make(geometry.Polygon, 0, len(rec.Coords))
		for j, c := range rec.Coords {
			if len(c) != 2 {
				return nil, &InvalidSlotGeometryError{
					ViewID: viewID,
					SlotID: id,
					Reason: fmt.Sprintf("vertex %d has %d components, want 2", j, len(c)),
				}
			}
			polygon = append(polygon, geometry.Point{X: c[0], Y: c[1]})
		}
		polygon = polygon.Clean()

		if err := geometry.ValidatePolygon(polygon); err != nil {
			return nil, &InvalidSlotGeometryError{ViewID: viewID, SlotID: id, Reason: err.Error()}
		}

		slots = append(slots, occupancy.Slot{ID: id, Polygon: polygon})
	}
	return slots, nil
}

// Slots returns a copy of the slots configured for viewID, in file order.
// An empty view is valid and yields an empty slice.
func (r *Registry) Slots(viewID string) ([]occupancy.Slot, error) {
	slots, ok := r.views[viewID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownView, viewID)
	}
	out := make([]occupancy.Slot, len(slots))
	copy(out, slots)
	return out, nil
}

func (r *Registry) Views() []string {
	out := make([]string, 0, len(r.views))
	for v := range r.views {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
