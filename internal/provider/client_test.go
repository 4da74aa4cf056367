package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchSlots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/locations/loc1/slots", r.URL.Path)
		assert.Equal(t, "2026-03-11", r.URL.Query().Get("from"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"slots": []map[string]any{
				{"startTime": "2026-03-11T09:10:00Z", "resourceId": "chair8", "durationMinutes": 30},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", nil)
	from := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	slots, err := c.FetchSlots(context.Background(), "loc1", from, from.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "chair8", slots[0].ResourceID)
	assert.Equal(t, 30, slots[0].DurationMinutes)
}

func TestCreateBookingSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/appointments", r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		// The resource chosen at read time must arrive unchanged.
		assert.Equal(t, "chair8", payload["resourceId"])
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"bookingId": "bk-123"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	conf, err := c.CreateBooking(context.Background(), CreateBookingRequest{
		LocationKey:     "loc1",
		SubjectID:       "subj-1",
		ResourceID:      "chair8",
		StartTime:       time.Date(2026, 3, 11, 9, 10, 0, 0, time.UTC),
		DurationMinutes: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, "bk-123", conf.BookingID)
}

func TestCreateBookingClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantClass Class
	}{
		{
			name:      "429 is rate limited",
			status:    http.StatusTooManyRequests,
			body:      `{"error":"slow down"}`,
			wantClass: ClassRateLimited,
		},
		{
			name:      "rate limit text in 400 body",
			status:    http.StatusBadRequest,
			body:      `{"error":"Please wait one minute between appointment requests"}`,
			wantClass: ClassRateLimited,
		},
		{
			name:      "409 is conflict",
			status:    http.StatusConflict,
			body:      `{"error":"slot already booked"}`,
			wantClass: ClassConflict,
		},
		{
			name:      "404 is not found",
			status:    http.StatusNotFound,
			body:      `{"error":"no such resource"}`,
			wantClass: ClassNotFound,
		},
		{
			name:      "500 is other",
			status:    http.StatusInternalServerError,
			body:      `{"error":"boom"}`,
			wantClass: ClassOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "", nil)
			_, err := c.CreateBooking(context.Background(), CreateBookingRequest{ResourceID: "chair8"})
			require.Error(t, err)
			assert.Equal(t, tt.wantClass, Classify(err))
		})
	}
}

func TestDryRunSkipsProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("dry run must not reach the provider")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil, WithDryRun(true))
	conf, err := c.CreateBooking(context.Background(), CreateBookingRequest{ResourceID: "chair8"})
	require.NoError(t, err)
	assert.NotEmpty(t, conf.BookingID)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassRateLimited, Classify(&Error{Class: ClassRateLimited}))
	assert.Equal(t, ClassTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassOther, Classify(errors.New("unknown")))
	assert.Equal(t, ClassOther, Classify(nil))
}

func TestMatchesRateLimit(t *testing.T) {
	assert.True(t, MatchesRateLimit("Please wait one MINUTE between appointment requests", ""))
	assert.False(t, MatchesRateLimit("slot unavailable", ""))
	assert.True(t, MatchesRateLimit("throttled, retry later", "throttled"))
}
