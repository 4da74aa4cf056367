package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/booking-orchestrator/internal/slotcache"
	"github.com/wolfman30/booking-orchestrator/pkg/logging"
)

const defaultTimeout = 30 * time.Second

// Client talks JSON over HTTP to the upstream scheduler.
type Client struct {
	baseURL          string
	apiKey           string
	httpClient       *http.Client
	logger           *logging.Logger
	rateLimitPattern string
	dryRun           bool // when true, CreateBooking logs but does not write
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRateLimitPattern overrides the throttle error-text pattern.
func WithRateLimitPattern(pattern string) Option {
	return func(c *Client) {
		if pattern != "" {
			c.rateLimitPattern = pattern
		}
	}
}

// WithDryRun enables dry-run mode: CreateBooking logs the request and
// returns a fake confirmation without calling the provider.
func WithDryRun(dryRun bool) Option {
	return func(c *Client) {
		c.dryRun = dryRun
	}
}

// WithHTTPClient replaces the underlying http.Client. Test-only.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a scheduler client.
func NewClient(baseURL, apiKey string, logger *logging.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger:           logger,
		rateLimitPattern: defaultRateLimitPattern,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type slotPayload struct {
	StartTime         time.Time `json:"startTime"`
	ResourceID        string    `json:"resourceId"`
	DurationMinutes   int       `json:"durationMinutes"`
	AppointmentTypeID string    `json:"appointmentTypeId"`
}

type availabilityResponse struct {
	Slots []slotPayload `json:"slots"`
}

type createBookingPayload struct {
	LocationKey       string    `json:"locationKey"`
	SubjectID         string    `json:"subjectId"`
	ResourceID        string    `json:"resourceId"`
	StartTime         time.Time `json:"startTime"`
	DurationMinutes   int       `json:"durationMinutes"`
	AppointmentTypeID string    `json:"appointmentTypeId,omitempty"`
}

type createBookingResponse struct {
	BookingID string `json:"bookingId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// FetchSlots reads availability for a location over a date range.
func (c *Client) FetchSlots(ctx context.Context, locationKey string, from, to time.Time) ([]slotcache.Slot, error) {
	url := fmt.Sprintf("%s/locations/%s/slots?from=%s&to=%s",
		c.baseURL, locationKey, from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: build slots request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: fetch slots: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provider: read slots response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyHTTP(resp.StatusCode, body)
	}

	var payload availabilityResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("provider: decode slots response: %w", err)
	}

	slots := make([]slotcache.Slot, 0, len(payload.Slots))
	for _, s := range payload.Slots {
		slots = append(slots, slotcache.Slot{
			StartTime:         s.StartTime,
			ResourceID:        s.ResourceID,
			DurationMinutes:   s.DurationMinutes,
			AppointmentTypeID: s.AppointmentTypeID,
		})
	}
	return slots, nil
}

// CreateBooking writes one appointment to the provider.
func (c *Client) CreateBooking(ctx context.Context, req CreateBookingRequest) (*BookingConfirmation, error) {
	if c.dryRun {
		c.logger.Info("dry-run: would create booking",
			"location", req.LocationKey,
			"subject_id", req.SubjectID,
			"resource_id", req.ResourceID,
			"start_time", req.StartTime,
		)
		return &BookingConfirmation{BookingID: "dry-run-" + uuid.NewString()}, nil
	}

	payload := createBookingPayload{
		LocationKey:       req.LocationKey,
		SubjectID:         req.SubjectID,
		ResourceID:        req.ResourceID,
		StartTime:         req.StartTime.UTC(),
		DurationMinutes:   req.DurationMinutes,
		AppointmentTypeID: req.AppointmentTypeID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("provider: encode booking request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/appointments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build booking request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: create booking: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provider: read booking response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.classifyHTTP(resp.StatusCode, respBody)
	}

	var result createBookingResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("provider: decode booking response: %w", err)
	}
	if result.BookingID == "" {
		return nil, &Error{Class: ClassOther, Message: "provider returned empty booking id"}
	}
	return &BookingConfirmation{BookingID: result.BookingID}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

// classifyHTTP maps a non-2xx provider response to a typed error. 429 is a
// throttle regardless of body; otherwise the error text decides, since some
// provider deployments throttle with a 400 and a message.
func (c *Client) classifyHTTP(status int, body []byte) error {
	var er errorResponse
	message := string(body)
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		message = er.Error
	}

	class := ClassOther
	switch {
	case status == http.StatusTooManyRequests || MatchesRateLimit(message, c.rateLimitPattern):
		class = ClassRateLimited
	case status == http.StatusConflict:
		class = ClassConflict
	case status == http.StatusNotFound:
		class = ClassNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		class = ClassTimeout
	}

	c.logger.Warn("provider call failed",
		"status", status,
		"class", class.String(),
	)
	return &Error{Class: class, Message: message}
}
