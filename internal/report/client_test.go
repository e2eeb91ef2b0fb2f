package report

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"occupancy-service/internal/domain/occupancy"
)

func testCycle() *occupancy.AnalysisCycle {
	verdicts := []occupancy.SlotVerdict{
		{SlotID: "slot_1", Occupied: true, MaxOverlap: 0.64, VehicleCount: 1},
		{SlotID: "slot_2", Occupied: false},
		{SlotID: "slot_3", Occupied: true, MaxOverlap: 0.3, VehicleCount: 2},
		{SlotID: "entrance", Occupied: false},
	}
	return &occupancy.AnalysisCycle{
		ID:        uuid.New(),
		ViewID:    "view_a",
		LotID:     "lot-42",
		Timestamp: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
		Verdicts:  verdicts,
		Info:      occupancy.NewOccupancyInfo(4, 2, 3),
	}
}

type slotCall struct {
	payload slotPayload
	auth    string
}

func TestDeliverPerSlotContinuesAfterFailure(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []slotCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/parking-slots" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var p slotPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		calls = append(calls, slotCall{payload: p, auth: r.Header.Get("Authorization")})
		mu.Unlock()
		if p.SlotNumber == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL + "/api/", Mode: ModePerSlot, Concurrency: 1}, StaticToken("tkn"), nil, zerolog.Nop())
	result := client.Deliver(context.Background(), testCycle())

	if result.Attempted != 4 || result.Succeeded != 3 || result.Failed != 1 {
		t.Errorf("Deliver() result = %+v, want 4 attempted, 3 ok, 1 failed", result)
	}
	if result.OK() {
		t.Error("Result.OK() = true with a failed slot")
	}
	if !errors.Is(result.Err(), ErrDelivery) {
		t.Errorf("Result.Err() = %v, want ErrDelivery", result.Err())
	}

	if len(calls) != 4 {
		t.Fatalf("backend saw %d requests, want 4", len(calls))
	}
	byNumber := map[int]slotCall{}
	for _, c := range calls {
		byNumber[c.payload.SlotNumber] = c
		if c.auth != "Bearer tkn" {
			t.Errorf("Authorization = %q, want bearer token", c.auth)
		}
		if c.payload.ParkingLotID != "lot-42" {
			t.Errorf("ParkingLotID = %q", c.payload.ParkingLotID)
		}
	}
	if byNumber[2].payload.IsAvailable != true || byNumber[3].payload.IsAvailable != false {
		t.Errorf("availability not mapped from occupancy: %+v", byNumber)
	}
	// "entrance" has no number and falls back to its position
	if _, ok := byNumber[4]; !ok {
		t.Errorf("slot without number not sent with positional number: %+v", byNumber)
	}
}

func TestDeliverBatch(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/parking-lots/occupancy" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, nil, nil, zerolog.Nop())
	result := client.Deliver(context.Background(), testCycle())
	if !result.OK() || result.Attempted != 1 {
		t.Fatalf("Deliver() result = %+v", result)
	}

	if got["parking_lot_id"] != "lot-42" || got["timestamp"] != "2026-04-01T08:00:00Z" {
		t.Errorf("batch header fields = %v", got)
	}
	info, _ := got["occupancy_info"].(map[string]any)
	if info["occupied_slots"] != float64(2) || info["occupancy_rate"] != float64(50) || info["occupancy_ratio"] != "2/4" {
		t.Errorf("occupancy_info = %v", info)
	}
	details, _ := got["slot_details"].([]any)
	if len(details) != 4 {
		t.Fatalf("slot_details has %d entries, want 4", len(details))
	}
	first, _ := details[0].(map[string]any)
	if first["slot_id"] != "slot_1" || first["max_iou"] != 0.64 || first["vehicle_count"] != float64(1) {
		t.Errorf("first slot detail = %v", first)
	}
}

func TestDeliverTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewClient(Config{BaseURL: srv.URL, Mode: ModeBoth, Timeout: 50 * time.Millisecond}, nil, nil, zerolog.Nop())
	start := time.Now()
	result := client.Deliver(context.Background(), testCycle())

	if time.Since(start) > 5*time.Second {
		t.Errorf("Deliver() blocked past the request timeout")
	}
	if result.Attempted != 5 || result.Failed != 5 {
		t.Errorf("Deliver() result = %+v, want all 5 requests failed", result)
	}
}

type failingToken struct{}

func (failingToken) Token() (string, error) { return "", errors.New("no secret") }

func TestDeliverTokenFailure(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"}, failingToken{}, nil, zerolog.Nop())
	result := client.Deliver(context.Background(), testCycle())
	if result.OK() || !errors.Is(result.Err(), ErrDelivery) {
		t.Errorf("Deliver() result = %+v, want delivery error", result)
	}
}
