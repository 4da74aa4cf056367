package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the booking orchestration
// flows: cache reads, coordinated refreshes, reservations, gateway writes
// and the async retry queue.
type BookingMetrics struct {
	cacheReads      *prometheus.CounterVec
	refreshTotal    *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	reservations    *prometheus.CounterVec
	bookingsTotal   *prometheus.CounterVec
	bookingLatency  prometheus.Histogram
	queueDepth      *prometheus.GaugeVec
	queueAttempts   *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		cacheReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookingcore",
			Subsystem: "cache",
			Name:      "reads_total",
			Help:      "Slot cache reads by tier and result",
		}, []string{"tier", "result"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookingcore",
			Subsystem: "refresh",
			Name:      "cycles_total",
			Help:      "Tier refresh attempts by outcome",
		}, []string{"tier", "outcome"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bookingcore",
			Subsystem: "refresh",
			Name:      "duration_seconds",
			Help:      "Duration of upstream availability fetches",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tier"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookingcore",
			Subsystem: "reservation",
			Name:      "requests_total",
			Help:      "Slot reservation requests by outcome",
		}, []string{"outcome"}),
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookingcore",
			Subsystem: "gateway",
			Name:      "bookings_total",
			Help:      "Booking attempts through the gateway by outcome",
		}, []string{"outcome"}),
		bookingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bookingcore",
			Subsystem: "gateway",
			Name:      "booking_latency_seconds",
			Help:      "Caller-visible booking latency including spacing and sync retries",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 15, 20, 30},
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bookingcore",
			Subsystem: "queue",
			Name:      "operations",
			Help:      "Pending operations by status",
		}, []string{"status"}),
		queueAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookingcore",
			Subsystem: "queue",
			Name:      "attempts_total",
			Help:      "Async retry attempts by result",
		}, []string{"result"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.cacheReads,
		m.refreshTotal,
		m.refreshDuration,
		m.reservations,
		m.bookingsTotal,
		m.bookingLatency,
		m.queueDepth,
		m.queueAttempts,
	)
	return m
}

func (m *BookingMetrics) ObserveCacheRead(tier, result string) {
	if m == nil {
		return
	}
	m.cacheReads.WithLabelValues(tier, result).Inc()
}

func (m *BookingMetrics) ObserveRefresh(tier, outcome string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(tier, outcome).Inc()
}

func (m *BookingMetrics) ObserveRefreshDuration(tier string, seconds float64) {
	if m == nil {
		return
	}
	m.refreshDuration.WithLabelValues(tier).Observe(seconds)
}

func (m *BookingMetrics) ObserveReservation(outcome string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveBookingLatency(seconds float64) {
	if m == nil {
		return
	}
	m.bookingLatency.Observe(seconds)
}

func (m *BookingMetrics) SetQueueDepth(status string, count int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(status).Set(float64(count))
}

func (m *BookingMetrics) ObserveQueueAttempt(result string) {
	if m == nil {
		return
	}
	m.queueAttempts.WithLabelValues(result).Inc()
}
