// Package report delivers analysis cycles to the parking backend.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"occupancy-service/internal/domain/occupancy"
	"occupancy-service/internal/utils"
)

var ErrDelivery = errors.New("delivery failed")

type Mode string

const (
	ModeBatch   Mode = "batch"
	ModePerSlot Mode = "per_slot"
	ModeBoth    Mode = "both"
)

// TokenSource supplies the bearer token for each cycle.
type TokenSource interface {
	Token() (string, error)
}

type StaticToken string

func (t StaticToken) Token() (string, error) {
	return string(t), nil
}

type Config struct {
	BaseURL     string
	LotID       string
	Mode        Mode
	Timeout     time.Duration
	Concurrency int
	BatchPath   string
	SlotPath    string
}

type Client struct {
	cfg    Config
	tokens TokenSource
	http   *http.Client
	log    zerolog.Logger
}

func NewClient(cfg Config, tokens TokenSource, httpClient *http.Client, log zerolog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Mode == "" {
		cfg.Mode = ModeBatch
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.BatchPath == "" {
		cfg.BatchPath = "/parking-lots/occupancy"
	}
	if cfg.SlotPath == "" {
		cfg.SlotPath = "/parking-slots"
	}
	if tokens == nil {
		tokens = StaticToken("")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   httpClient,
		log:    log,
	}
}

// Result summarizes the requests of one cycle.
type Result struct {
	Attempted int
	Succeeded int
	Failed    int
	Errors    []error
}

// OK is true when every attempted request succeeded.
func (r Result) OK() bool {
	return r.Failed == 0
}

func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

type batchPayload struct {
	Timestamp     string                  `json:"timestamp"`
	ParkingLotID  string                  `json:"parking_lot_id"`
	OccupancyInfo occupancy.OccupancyInfo `json:"occupancy_info"`
	SlotDetails   []slotDetail            `json:"slot_details"`
}

type slotDetail struct {
	SlotID       string  `json:"slot_id"`
	Occupied     bool    `json:"occupied"`
	VehicleCount int     `json:"vehicle_count"`
	MaxIoU       float64 `json:"max_iou"`
}

type slotPayload struct {
	ParkingLotID string `json:"parkingLotId"`
	SlotNumber   int    `json:"slotNumber"`
	IsAvailable  bool   `json:"isAvailable"`
}

type request struct {
	method string
	path   string
	body   any
	slotID string
}

// Deliver sends the cycle in the configured shape. Requests run concurrently
// up to the configured limit; a failed request never cancels its siblings.
func (c *Client) Deliver(ctx context.Context, cycle *occupancy.AnalysisCycle) Result {
	token, err := c.tokens.Token()
	if err != nil {
		err = fmt.Errorf("%w: token: %v", ErrDelivery, err)
		c.log.Error().Err(err).Str("cycle_id", cycle.ID.String()).Msg("failed to obtain backend token")
		return Result{Attempted: 1, Failed: 1, Errors: []error{err}}
	}

	requests := c.buildRequests(cycle)

	var (
		mu     sync.Mutex
		result = Result{Attempted: len(requests)}
	)
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for _, req := range requests {
		g.Go(func() error {
			err := c.send(ctx, token, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, err)
				c.log.Error().
					Err(err).
					Str("cycle_id", cycle.ID.String()).
					Str("slot_id", req.slotID).
					Time("cycle_time", cycle.Timestamp).
					Msg("backend delivery failed")
				return nil
			}
			result.Succeeded++
			return nil
		})
	}
	_ = g.Wait()

	c.log.Info().
		Str("cycle_id", cycle.ID.String()).
		Str("mode", string(c.cfg.Mode)).
		Int("attempted", result.Attempted).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("cycle delivered")

	return result
}

func (c *Client) buildRequests(cycle *occupancy.AnalysisCycle) []request {
	var out []request
	if c.cfg.Mode == ModeBatch || c.cfg.Mode == ModeBoth {
		out = append(out, request{
			method: http.MethodPost,
			path:   c.cfg.BatchPath,
			body:   c.batchBody(cycle),
		})
	}
	if c.cfg.Mode == ModePerSlot || c.cfg.Mode == ModeBoth {
		for i, v := range cycle.Verdicts {
			number, ok := utils.ParseSlotNumber(v.SlotID)
			if !ok {
				number = i + 1
			}
			out = append(out, request{
				method: http.MethodPut,
				path:   c.cfg.SlotPath,
				slotID: v.SlotID,
				body: slotPayload{
					ParkingLotID: c.lotID(cycle),
					SlotNumber:   number,
					IsAvailable:  !v.Occupied,
				},
			})
		}
	}
	return out
}

func (c *Client) batchBody(cycle *occupancy.AnalysisCycle) batchPayload {
	details := make([]slotDetail, 0, len(cycle.Verdicts))
	for _, v := range cycle.Verdicts {
		details = append(details, slotDetail{
			SlotID:       v.SlotID,
			Occupied:     v.Occupied,
			VehicleCount: v.VehicleCount,
			MaxIoU:       v.MaxOverlap,
		})
	}
	return batchPayload{
		Timestamp:     cycle.Timestamp.Format(time.RFC3339),
		ParkingLotID:  c.lotID(cycle),
		OccupancyInfo: cycle.Info,
		SlotDetails:   details,
	}
}

func (c *Client) lotID(cycle *occupancy.AnalysisCycle) string {
	if cycle.LotID != "" {
		return cycle.LotID
	}
	return c.cfg.LotID
}

func (c *Client) send(ctx context.Context, token string, req request) error {
	data, err := json.Marshal(req.body)
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %v", ErrDelivery, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.cfg.BaseURL+req.path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrDelivery, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrDelivery, req.method, req.path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrDelivery, req.method, req.path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
