package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

// Sink delivers one event. An error means the event should be retried.
type Sink interface {
	Deliver(ctx context.Context, ev types.Event) error
}

type SinkFunc func(ctx context.Context, ev types.Event) error

func (f SinkFunc) Deliver(ctx context.Context, ev types.Event) error { return f(ctx, ev) }

// LogSink writes events to the logger. It never fails.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(_ context.Context, ev types.Event) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{
		"event_id", ev.ID, "type", string(ev.Type), "dispenser_id", ev.DispenserID,
		"uid", ev.UID, "volume_ml", ev.VolumeMl, "flow_rate", ev.FlowRate,
	}
	if ev.ChargedUnits != nil {
		attrs = append(attrs, "charged_units", ev.ChargedUnits.String())
	}
	if ev.Balance != nil {
		attrs = append(attrs, "balance", ev.Balance.String())
	}
	l.Info("event", attrs...)
	return nil
}

// HTTPSink posts events to a collector, as JSON or protobuf.
type HTTPSink struct {
	url        string
	apiKey     string
	protobuf   bool
	httpClient *http.Client
}

func NewHTTPSink(url, apiKey, format string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPSink{
		url:        url,
		apiKey:     apiKey,
		protobuf:   strings.EqualFold(format, "protobuf"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Deliver(ctx context.Context, ev types.Event) error {
	var (
		body []byte
		err  error
		ct   = "application/json"
	)
	if s.protobuf {
		body, err = MarshalProto(ev)
		ct = ContentTypeProtobuf
	} else {
		body, err = json.Marshal(ev)
	}
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", ct)
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver event: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<12))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("deliver event: HTTP %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
	}
}
