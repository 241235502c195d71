package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentic-research/treemirror/internal/logging"
	"github.com/agentic-research/treemirror/internal/retry"
	"go.uber.org/zap"
)

// Subscriber consumes a Server-Sent Events stream whose data payloads are
// delta batches. It reconnects with jittered exponential backoff and
// resumes from the last event id the server sent.
type Subscriber struct {
	url    string
	client *http.Client
	log    *zap.Logger
	// Reconnect paces reconnects. Only the wait fields are used; the
	// subscriber retries until its context ends. The attempt count resets
	// whenever a connection delivers a batch.
	Reconnect retry.Policy

	mu          sync.Mutex
	lastEventID string
}

// NewSubscriber returns a subscriber for the stream at url. A nil client
// uses one without a timeout.
func NewSubscriber(url string, client *http.Client, log *zap.Logger) *Subscriber {
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	return &Subscriber{
		url:    url,
		client: client,
		log:    logging.OrNop(log),
		Reconnect: retry.Policy{
			InitialWait: time.Second,
			MaxWait:     30 * time.Second,
			Multiplier:  2,
			Jitter:      0.2,
		},
	}
}

// LastEventID returns the id of the last event delivered.
func (s *Subscriber) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Resume makes the next connection ask the server to replay from id.
func (s *Subscriber) Resume(id string) {
	s.mu.Lock()
	s.lastEventID = id
	s.mu.Unlock()
}

// Subscribe streams decoded batches until ctx is done. Batches are never
// dropped: delivery blocks until the receiver is ready. Connection errors
// are reported on the error channel without blocking and trigger a
// reconnect. Both channels are closed on return.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan Decoded, <-chan error) {
	batches := make(chan Decoded, 16)
	errs := make(chan error, 1)
	go s.loop(ctx, batches, errs)
	return batches, errs
}

func (s *Subscriber) loop(ctx context.Context, batches chan<- Decoded, errs chan<- error) {
	defer close(batches)
	defer close(errs)

	attempt := 0
	for ctx.Err() == nil {
		delivered, err := s.connect(ctx, batches)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			attempt = 0
		}
		attempt++
		delay := s.Reconnect.Wait(attempt)
		s.log.Warn("event stream disconnected", zap.String("url", s.url), zap.Duration("retry_in", delay), zap.Error(err))
		select {
		case errs <- err:
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

var errStreamClosed = errors.New("stream closed by server")

// connect reads one connection to completion. delivered reports whether
// any batch got through, which resets the backoff.
func (s *Subscriber) connect(ctx context.Context, batches chan<- Decoded) (delivered bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if id := s.LastEventID(); id != "" {
		req.Header.Set("Last-Event-ID", id)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	s.log.Info("event stream connected", zap.String("url", s.url))

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	var (
		id   string
		data strings.Builder
	)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if data.Len() > 0 {
				if err := s.dispatch(ctx, batches, id, data.String()); err != nil {
					return delivered, err
				}
				delivered = true
			}
			id = ""
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		case "id":
			id = value
		}
	}
	if err := sc.Err(); err != nil {
		return delivered, fmt.Errorf("read: %w", err)
	}
	return delivered, errStreamClosed
}

func (s *Subscriber) dispatch(ctx context.Context, batches chan<- Decoded, id, payload string) error {
	dec, err := DecodeBatch([]byte(payload))
	if err != nil {
		s.log.Warn("discarding undecodable event", zap.String("id", id), zap.Error(err))
		return nil
	}
	select {
	case batches <- dec:
	case <-ctx.Done():
		return ctx.Err()
	}
	if id != "" {
		s.Resume(id)
	}
	return nil
}
