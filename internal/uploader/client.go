package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/buffer"
	"github.com/tamerWagih/adherence-monitoring-system-sub001/internal/credential"
)

const (
	headerDeviceID  = "X-Device-Id"
	headerDeviceKey = "X-Device-Key"
)

// batchEvent is the wire shape of one event inside an upload request.
type batchEvent struct {
	ID              int64             `json:"id"`
	Type            string            `json:"type"`
	Timestamp       string            `json:"timestamp"`
	SubjectIdentity string            `json:"subject_identity"`
	ApplicationName string            `json:"application_name,omitempty"`
	ApplicationPath string            `json:"application_path,omitempty"`
	WindowTitle     string            `json:"window_title,omitempty"`
	WorkRelated     *bool             `json:"work_related,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type batchRequest struct {
	BatchID string       `json:"batch_id"`
	Events  []batchEvent `json:"events"`
}

// Client delivers event batches to the remote ingestion endpoint and maps
// the response onto a delivery outcome.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient builds a delivery client for the given ingestion endpoint.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// Deliver sends one batch authenticated with the device credential. A
// transport-level failure is reported as a network-error outcome, never as
// a Go error; the only error return is a malformed request that cannot be
// built at all.
func (c *Client) Deliver(ctx context.Context, cred credential.Credential, batchID string, events []buffer.Event) (Result, error) {
	payload := batchRequest{BatchID: batchID, Events: make([]batchEvent, 0, len(events))}
	for _, ev := range events {
		payload.Events = append(payload.Events, toBatchEvent(ev))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerDeviceID, cred.DeviceID)
	req.Header.Set(headerDeviceKey, cred.DeviceKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeNetworkError, Reason: err.Error()}, nil
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return classify(resp), nil
}

// classify maps the ingestion endpoint's response contract onto an outcome.
func classify(resp *http.Response) Result {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Outcome: OutcomeSuccess}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return Result{
			Outcome:    OutcomeRateLimited,
			Reason:     resp.Status,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusConflict:
		// Subject identity unknown to the server. Retrying the same rows
		// can never succeed.
		return Result{Outcome: OutcomePermanentReject, Reason: resp.Status}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{Outcome: OutcomeOtherFailure, Reason: "credentials rejected: " + resp.Status}
	default:
		return Result{Outcome: OutcomeOtherFailure, Reason: resp.Status}
	}
}

// parseRetryAfter handles both the delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func toBatchEvent(ev buffer.Event) batchEvent {
	be := batchEvent{
		ID:              ev.ID,
		Type:            string(ev.Type),
		Timestamp:       ev.Timestamp.UTC().Format(time.RFC3339Nano),
		SubjectIdentity: ev.SubjectIdentity,
		ApplicationName: ev.ApplicationName,
		ApplicationPath: ev.ApplicationPath,
		WindowTitle:     ev.WindowTitle,
		Metadata:        ev.Metadata,
	}
	switch ev.WorkFlag {
	case buffer.WorkRelated:
		t := true
		be.WorkRelated = &t
	case buffer.WorkUnrelated:
		f := false
		be.WorkRelated = &f
	}
	return be
}
