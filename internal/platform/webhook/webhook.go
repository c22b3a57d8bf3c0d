// Package webhook delivers appointment events to subscriber URLs as signed
// HTTP POSTs. Delivery runs on a background worker so publishing never waits
// on a subscriber.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/AananditKanwar/SehatSetu/internal/platform/events"
)

// ErrQueueFull is returned by Publish when the delivery backlog is full.
var ErrQueueFull = errors.New("webhook delivery queue full")

var errClosed = errors.New("webhook publisher closed")

// Endpoint is one subscriber. Events lists type patterns: exact
// ("appointment.scheduled"), prefix ("appointment.*") or suffix ("*.cancelled").
// An empty list subscribes to everything.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is SignPayload(payload, secret).
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}
	return nil
}

func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep Endpoint) wants(t events.Type) bool {
	return len(ep.Events) == 0 || lo.SomeBy(ep.Events, func(p string) bool {
		return eventMatches(p, string(t))
	})
}

type Option func(*Publisher)

func WithHTTPClient(c *http.Client) Option { return func(p *Publisher) { p.httpClient = c } }

// WithRetryDelays sets the wait before each retry; its length is the retry count.
func WithRetryDelays(d ...time.Duration) Option { return func(p *Publisher) { p.retryDelays = d } }

func WithQueueSize(n int) Option { return func(p *Publisher) { p.queueSize = n } }

func WithLogger(l zerolog.Logger) Option { return func(p *Publisher) { p.logger = l } }

type delivery struct {
	ep Endpoint
	ev events.Event
}

// Publisher is an events.Publisher that fans events out to endpoints.
type Publisher struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryDelays []time.Duration
	queueSize   int
	logger      zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan delivery
	done   chan struct{}
}

// New validates endpoints and starts the delivery worker.
func New(endpoints []Endpoint, opts ...Option) (*Publisher, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, err
		}
	}
	p := &Publisher{
		endpoints:   endpoints,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		queueSize:   256,
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}
	p.queue = make(chan delivery, p.queueSize)
	p.done = make(chan struct{})
	go p.run()
	return p, nil
}

// Publish enqueues ev for every subscribed endpoint.
func (p *Publisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errClosed
	}
	var dropped int
	for _, ep := range p.endpoints {
		if !ep.wants(ev.Type) {
			continue
		}
		select {
		case p.queue <- delivery{ep: ep, ev: ev}:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d endpoint(s) skipped", ErrQueueFull, dropped)
	}
	return nil
}

// Close is Shutdown with a 15 second deadline.
func (p *Publisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return p.Shutdown(ctx)
}

// Shutdown stops accepting events and waits for queued deliveries until ctx
// is done.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for d := range p.queue {
		p.deliverWithRetry(d)
	}
}

func (p *Publisher) deliverWithRetry(d delivery) {
	log := p.logger.With().Str("url", d.ep.URL).Str("event_id", d.ev.ID).Str("event_type", string(d.ev.Type)).Logger()
	for attempt := 0; ; attempt++ {
		err := p.deliver(context.Background(), d.ep, d.ev, attempt+1)
		if err == nil {
			log.Debug().Int("attempt", attempt+1).Msg("webhook delivered")
			return
		}
		if attempt >= len(p.retryDelays) {
			log.Warn().Err(err).Int("attempts", attempt+1).Msg("webhook delivery abandoned")
			return
		}
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("webhook delivery failed, retrying")
		time.Sleep(p.retryDelays[attempt])
	}
}

func (p *Publisher) deliver(ctx context.Context, ep Endpoint, ev events.Event, attempt int) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, ep.Secret))
	}
	req.Header.Set("X-Webhook-Event", string(ev.Type))
	req.Header.Set("X-Webhook-Delivery", ev.ID)
	req.Header.Set("X-Webhook-Attempt", fmt.Sprint(attempt))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
