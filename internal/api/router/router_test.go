package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/booking-orchestrator/internal/api/handlers"
	"github.com/wolfman30/booking-orchestrator/internal/booking"
	"github.com/wolfman30/booking-orchestrator/internal/bookingauth"
	"github.com/wolfman30/booking-orchestrator/internal/provider"
	"github.com/wolfman30/booking-orchestrator/internal/refresh"
	"github.com/wolfman30/booking-orchestrator/internal/reservation"
	"github.com/wolfman30/booking-orchestrator/internal/slotcache"
	"github.com/wolfman30/booking-orchestrator/internal/store"
)

type noopScheduler struct{}

func (noopScheduler) FetchSlots(ctx context.Context, locationKey string, from, to time.Time) ([]slotcache.Slot, error) {
	return nil, nil
}

func (noopScheduler) CreateBooking(ctx context.Context, req provider.CreateBookingRequest) (*provider.BookingConfirmation, error) {
	return &provider.BookingConfirmation{BookingID: "bk-1"}, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	st := store.NewMemoryStore()
	cache := slotcache.New(st)
	reservations := reservation.NewManager(st, nil, nil)
	issuer := bookingauth.NewIssuer(st, "test-secret", 15*time.Minute, nil)
	coordinator := refresh.NewCoordinator(st, cache, noopScheduler{}, nil, refresh.Options{
		InstanceID: "test",
		Locations:  []string{"downtown"},
	})
	queue := booking.NewQueue(st, noopScheduler{}, reservations, nil, booking.QueueOptions{})
	gateway := booking.NewGateway(st, noopScheduler{}, reservations, issuer, queue, nil, booking.GatewayOptions{})

	reg := prometheus.NewRegistry()
	return New(&Config{
		Availability:   handlers.NewAvailabilityHandler(cache, reservations, coordinator, nil, nil),
		Booking:        handlers.NewBookingHandler(issuer, gateway, queue, nil),
		Health:         handlers.NewHealthHandler(nil, coordinator, nil),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
}

func TestRoutesAreRegistered(t *testing.T) {
	r := newTestRouter(t)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/health"},
		{http.MethodGet, "/health/cache"},
		{http.MethodGet, "/metrics"},
		{http.MethodGet, "/availability?location=downtown"},
		{http.MethodGet, "/queue-status"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.NotEqual(t, http.StatusNotFound, rec.Code, "%s %s should be routed", tc.method, tc.path)
		assert.NotEqual(t, http.StatusMethodNotAllowed, rec.Code, "%s %s should be routed", tc.method, tc.path)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
