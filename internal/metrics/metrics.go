package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"occupancy-service/internal/domain/occupancy"
)

// Metrics holds the occupancy pipeline collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	stageFailures   *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	occupiedSlots   prometheus.Gauge
	totalSlots      prometheus.Gauge
	occupancyRatio  prometheus.Gauge
	detections      prometheus.Gauge
	slotOccupied    *prometheus.GaugeVec
	lastCycleUnixMs atomic.Int64
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "occupancy_cycles_total",
			Help: "Analysis cycles by final state",
		}, []string{"state"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "occupancy_stage_failures_total",
			Help: "Recoverable failures by pipeline stage",
		}, []string{"stage"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "occupancy_backend_requests_total",
			Help: "Backend report requests by outcome",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "occupancy_cycle_duration_seconds",
			Help:    "Wall time of one analysis cycle",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		}),
		occupiedSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "occupancy_occupied_slots",
			Help: "Occupied slots in the latest cycle",
		}),
		totalSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "occupancy_total_slots",
			Help: "Configured slots in the latest cycle",
		}),
		occupancyRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "occupancy_rate_ratio",
			Help: "Occupied over total slots in the latest cycle",
		}),
		detections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "occupancy_detections",
			Help: "Vehicle detections kept in the latest cycle",
		}),
		slotOccupied: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "occupancy_slot_occupied",
			Help: "1 when the slot was occupied in the latest cycle",
		}, []string{"slot_id"}),
	}

	m.registry.MustRegister(
		m.cycles,
		m.stageFailures,
		m.deliveries,
		m.cycleDuration,
		m.occupiedSlots,
		m.totalSlots,
		m.occupancyRatio,
		m.detections,
		m.slotOccupied,
	)
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "occupancy_last_cycle_timestamp_seconds",
			Help: "Unix time of the latest finished cycle",
		},
		func() float64 { return float64(m.lastCycleUnixMs.Load()) / 1000 },
	))

	return m
}

func (m *Metrics) ObserveCycle(cycle *occupancy.AnalysisCycle) {
	m.cycles.WithLabelValues(string(cycle.State)).Inc()
	m.cycleDuration.Observe(cycle.Duration.Seconds())
	m.lastCycleUnixMs.Store(cycle.Timestamp.UnixMilli())
	if cycle.State == occupancy.CycleSkipped {
		return
	}

	m.occupiedSlots.Set(float64(cycle.Info.OccupiedSlots))
	m.totalSlots.Set(float64(cycle.Info.TotalSlots))
	m.occupancyRatio.Set(cycle.Info.OccupancyRate)
	m.detections.Set(float64(cycle.DetectionCount))
	for _, v := range cycle.Verdicts {
		value := 0.0
		if v.Occupied {
			value = 1
		}
		m.slotOccupied.WithLabelValues(v.SlotID).Set(value)
	}
}

func (m *Metrics) StageFailed(stage string) {
	m.stageFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveDelivery(succeeded, failed int) {
	m.deliveries.WithLabelValues("success").Add(float64(succeeded))
	m.deliveries.WithLabelValues("failure").Add(float64(failed))
}

// LastCycle returns the time of the latest observed cycle, zero if none.
func (m *Metrics) LastCycle() time.Time {
	ms := m.lastCycleUnixMs.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
