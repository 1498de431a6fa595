package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/cebus"
	"github.com/trickstertwo/cebus/cloudevents"
	"github.com/trickstertwo/xlog"
)

const TransportName = "sidecar"

// SubscribePath is where the sidecar discovers programmatic subscriptions.
const SubscribePath = "/dapr/subscribe"

// Delivery outcomes reported back to the sidecar.
const (
	StatusSuccess = "SUCCESS"
	StatusRetry   = "RETRY"
	StatusDrop    = "DROP"
)

var ErrClosed = errors.New("sidecar transport is closed")

func init() {
	if err := cebus.RegisterTransport(TransportName, func(cfg map[string]any) (cebus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg), nil)
	}); err != nil {
		panic(fmt.Errorf("cebus/sidecar: failed to register transport: %w", err))
	}
}

// PublishError is returned when the sidecar answers a publish with a non-2xx status.
type PublishError struct {
	Topic      string
	StatusCode int
	Body       string
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("sidecar publish %q: HTTP %d: %s", e.Topic, e.StatusCode, e.Body)
}

// Transport publishes through the sidecar and serves its deliveries.
type Transport struct {
	cfg    Config
	client *http.Client
	logger *xlog.Logger

	mu     sync.RWMutex
	routes map[string]*route

	closed atomic.Bool

	metrics transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	dropped       atomic.Uint64
	publishErrors atomic.Uint64
}

type route struct {
	topic   string
	group   string
	path    string
	ctx     context.Context
	handler func(cebus.Delivery)
}

var (
	_ cebus.Transport = (*Transport)(nil)
	_ http.Handler    = (*Transport)(nil)
)

// NewTransport returns a sidecar transport. A nil client gets one with
// cfg.Timeout.
func NewTransport(cfg Config, client *http.Client) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Transport{
		cfg:    cfg,
		client: client,
		logger: xlog.Default().With(xlog.Str("transport", TransportName)),
		routes: make(map[string]*route),
	}, nil
}

// Publish POSTs every message to the sidecar publish endpoint of topic.
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*cebus.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	for _, m := range msgs {
		if m == nil {
			continue
		}
		if err := t.publishOne(ctx, topic, m); err != nil {
			t.metrics.publishErrors.Add(1)
			return err
		}
		t.metrics.published.Add(1)
	}
	return nil
}

func (t *Transport) publishOne(ctx context.Context, topic string, m *cebus.Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.PublishURL(topic, m.Metadata), bytes.NewReader(m.Payload))
	if err != nil {
		return fmt.Errorf("sidecar publish %q: %w", topic, err)
	}
	ct := m.ContentType
	if ct == "" {
		ct = cloudevents.MediaType
	}
	req.Header.Set("Content-Type", ct)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar publish %q: %w", topic, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &PublishError{Topic: topic, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// PublishURL is the sidecar endpoint for topic, with meta as metadata.<key>
// query parameters.
func (t *Transport) PublishURL(topic string, meta map[string]string) string {
	u := fmt.Sprintf("%s/v1.0/publish/%s/%s", t.cfg.BaseURL, url.PathEscape(t.cfg.PubSubName), url.PathEscape(topic))
	if len(meta) == 0 {
		return u
	}
	q := url.Values{}
	for k, v := range meta {
		q.Set("metadata."+k, v)
	}
	return u + "?" + q.Encode()
}

// Subscribe registers a delivery route for topic/group. Deliveries arrive
// through ServeHTTP; once ctx is canceled they are answered with RETRY.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(cebus.Delivery)) (cebus.Subscription, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	r := &route{
		topic:   topic,
		group:   group,
		path:    t.RoutePath(group, topic),
		ctx:     ctx,
		handler: handler,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.routes[r.path]; dup {
		return nil, fmt.Errorf("sidecar: %s/%s already subscribed", group, topic)
	}
	t.routes[r.path] = r

	return &subscription{close: func() error {
		t.mu.Lock()
		if t.routes[r.path] == r {
			delete(t.routes, r.path)
		}
		t.mu.Unlock()
		return nil
	}}, nil
}

// RoutePath is the path the sidecar delivers topic messages for group to.
func (t *Transport) RoutePath(group, topic string) string {
	return t.cfg.RoutePrefix + "/" + url.PathEscape(group) + "/" + url.PathEscape(topic)
}

// Subscription is one entry of the /dapr/subscribe listing.
type Subscription struct {
	PubSubName string `json:"pubsubname"`
	Topic      string `json:"topic"`
	Route      string `json:"route"`
}

// Subscriptions lists the active routes sorted by path.
func (t *Transport) Subscriptions() []Subscription {
	t.mu.RLock()
	out := make([]Subscription, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, Subscription{PubSubName: t.cfg.PubSubName, Topic: r.topic, Route: r.path})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// ServeHTTP answers subscription discovery and deliveries.
func (t *Transport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == SubscribePath {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, t.Subscriptions())
		return
	}

	t.mu.RLock()
	r, ok := t.routes[req.URL.EscapedPath()]
	t.mu.RUnlock()
	if !ok || t.closed.Load() {
		http.NotFound(w, req)
		return
	}
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if r.ctx.Err() != nil {
		writeJSON(w, http.StatusOK, statusBody{Status: StatusRetry})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, t.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			t.metrics.dropped.Add(1)
			t.logger.Warn().
				Str("topic", r.topic).
				Str("group", r.group).
				Str("limit", fmt.Sprint(tooLarge.Limit)).
				Msg("dropping delivery larger than max body size")
			writeJSON(w, http.StatusOK, statusBody{Status: StatusDrop})
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	t.metrics.consumed.Add(1)
	d := &delivery{t: t, msg: messageFromRequest(req, body)}
	r.handler(d)

	status := d.outcome()
	if status == StatusDrop {
		t.metrics.dropped.Add(1)
	}
	writeJSON(w, http.StatusOK, statusBody{Status: status})
}

// Close stops serving deliveries. Routes answer 404 afterwards.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	t.routes = make(map[string]*route)
	t.mu.Unlock()
	t.client.CloseIdleConnections()
	return nil
}

// Stats is a snapshot of transport counters.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	Dropped       uint64
	PublishErrors uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		Dropped:       t.metrics.dropped.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
	}
}

type statusBody struct {
	Status string `json:"status"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// messageFromRequest lifts id and type out of a structured envelope when the
// body is one; other bodies are delivered as is.
func messageFromRequest(req *http.Request, body []byte) *cebus.Message {
	m := &cebus.Message{
		ContentType: req.Header.Get("Content-Type"),
		Payload:     body,
	}
	var head struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if json.Unmarshal(body, &head) == nil {
		m.ID, m.Name = head.ID, head.Type
	}
	for _, k := range []string{"traceparent", "tracestate"} {
		if v := req.Header.Get(k); v != "" {
			if m.Metadata == nil {
				m.Metadata = make(map[string]string, 2)
			}
			m.Metadata[k] = v
		}
	}
	return m
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error { return s.close() }

type delivery struct {
	t      *Transport
	msg    *cebus.Message
	once   sync.Once
	status atomic.Value
}

func (d *delivery) Message() *cebus.Message { return d.msg }

func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() {
		d.t.metrics.acked.Add(1)
		d.status.Store(StatusSuccess)
	})
	return nil
}

// Nack asks the sidecar to retry, or to drop when reason is permanent.
func (d *delivery) Nack(_ context.Context, reason error) error {
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)
		if cebus.IsPermanent(reason) {
			d.status.Store(StatusDrop)
			return
		}
		d.status.Store(StatusRetry)
	})
	return nil
}

func (d *delivery) outcome() string {
	if s, ok := d.status.Load().(string); ok {
		return s
	}
	return StatusRetry
}
