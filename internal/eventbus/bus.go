// Package eventbus is the pattern-filtered publish/subscribe bus. Events are
// persisted to the shared store and relayed to other processes over a store
// channel; failed callback deliveries are retried with exponential backoff
// and end up in a dead-letter queue.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"agentcore/internal/domain"
	"agentcore/internal/logging"
	"agentcore/internal/store"
)

const (
	subscriptionIndexKey = "subscriptions:index"
	deadLetterIndexKey   = "deadletters:index"
)

func eventKey(id string) string { return "event:" + id }
func eventAcksKey(id string) string { return "event:" + id + ":acks" }
func correlationKey(id string) string { return "events:correlation:" + id }
func subscriptionKey(id string) string { return "subscription:" + id }
func deadLetterKey(id string) string { return "deadletter:" + id }

// Callback receives a matched event. A returned error (or panic) counts as a
// failed delivery.
type Callback func(ctx context.Context, ev domain.Event) error

type Config struct {
	EventTTL          time.Duration
	DefaultMaxRetries int
	BackoffUnit       time.Duration
	StreamBuffer      int
	StreamIdleTimeout time.Duration
	// Channel is the store channel events are relayed on; empty disables relay.
	Channel        string
	WebhookTimeout time.Duration
	// InstanceID tags relayed events so a process ignores its own.
	InstanceID string
}

func (c Config) withDefaults() Config {
	if c.EventTTL <= 0 {
		c.EventTTL = 24 * time.Hour
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 1000
	}
	if c.StreamIdleTimeout <= 0 {
		c.StreamIdleTimeout = 5 * time.Minute
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = 5 * time.Second
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	return c
}

type subscription struct {
	info     domain.EventSubscription
	callback Callback
	limiter  *slidingWindow
}

// delivery is one event on its way to one subscription, carrying its own
// retry schedule.
type delivery struct {
	sub     *subscription
	event   domain.Event
	backoff backoff.BackOff
}

type envelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// Stats is the bus view returned by Metrics.
type Stats struct {
	Published      int64 `json:"published"`
	Delivered      int64 `json:"delivered"`
	Failed         int64 `json:"failed"`
	DeadLettered   int64 `json:"dead_lettered"`
	RateLimited    int64 `json:"rate_limited"`
	Acknowledged   int64 `json:"acknowledged"`
	Relayed        int64 `json:"relayed"`
	Subscriptions  int   `json:"subscriptions"`
	Streams        int   `json:"streams"`
	PendingRetries int   `json:"pending_retries"`
}

type Bus struct {
	store   store.Store
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
	client  *http.Client
	now     func() time.Time

	mu      sync.RWMutex
	baseCtx context.Context
	subs    map[string]*subscription
	streams map[string]*stream
	retries map[*time.Timer]struct{}
	closed  bool

	published    atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	rateLimited  atomic.Int64
	acked        atomic.Int64
	relayed      atomic.Int64
}

// New builds a bus over st. metrics may be nil.
func New(st store.Store, cfg Config, metrics *Metrics, logger *slog.Logger) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		store:   st,
		cfg:     cfg,
		metrics: metrics,
		logger:  logging.Component(logger, "eventbus"),
		client:  &http.Client{Timeout: cfg.WebhookTimeout},
		now:     time.Now,
		baseCtx: context.Background(),
		subs:    make(map[string]*subscription),
		streams: make(map[string]*stream),
		retries: make(map[*time.Timer]struct{}),
	}
}

func (b *Bus) InstanceID() string { return b.cfg.InstanceID }

// Start relays events other processes publish on the shared channel to local
// subscribers until ctx is done.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	b.baseCtx = ctx
	b.mu.Unlock()

	if b.cfg.Channel == "" {
		return nil
	}
	ch, err := b.store.Subscribe(ctx, b.cfg.Channel)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", b.cfg.Channel, err)
	}
	go func() {
		for payload := range ch {
			var env envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				b.logger.Warn("drop malformed relayed event", "error", err)
				continue
			}
			if env.Origin == b.cfg.InstanceID {
				continue
			}
			b.relayed.Add(1)
			b.dispatch(ctx, env.Event)
		}
	}()
	return nil
}

// Close cancels pending redeliveries. Publishing after Close still works but
// failed deliveries are no longer retried.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for t := range b.retries {
		t.Stop()
	}
	b.retries = make(map[*time.Timer]struct{})
}

func (b *Bus) prepare(ev *domain.Event) {
	if ev.ID == "" {
		ev.ID = ksuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = b.now().UTC()
	}
	if ev.Priority == 0 {
		ev.Priority = domain.EventPriorityNormal
	}
	if ev.TTL <= 0 {
		ev.TTL = b.cfg.EventTTL
	}
	if ev.MaxRetries <= 0 {
		ev.MaxRetries = b.cfg.DefaultMaxRetries
	}
}

// Publish persists the event, relays it to other processes and delivers it
// to matching local subscriptions and streams. The bool reports whether any
// local subscription or stream matched. Store errors are returned but do not
// prevent local delivery.
func (b *Bus) Publish(ctx context.Context, ev domain.Event) (bool, error) {
	ev = ev.Clone()
	b.prepare(&ev)
	b.published.Add(1)
	b.metrics.incPublished()

	var errs []error
	if err := b.persist(ctx, ev); err != nil {
		errs = append(errs, err)
	}
	if b.cfg.Channel != "" {
		payload, err := json.Marshal(envelope{Origin: b.cfg.InstanceID, Event: ev})
		if err == nil {
			err = b.store.Publish(ctx, b.cfg.Channel, payload)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("relay event %s: %w", ev.ID, err))
		}
	}

	matched := b.dispatch(ctx, ev)
	err := errors.Join(errs...)
	if err != nil {
		b.logger.Warn("publish degraded", "event_id", ev.ID, "event_type", ev.Type, "error", err)
	}
	return matched, err
}

func (b *Bus) persist(ctx context.Context, ev domain.Event) error {
	if err := store.SetJSON(ctx, b.store, eventKey(ev.ID), ev, ev.TTL); err != nil {
		return fmt.Errorf("persist event %s: %w", ev.ID, err)
	}
	if ev.CorrelationID != "" {
		key := correlationKey(ev.CorrelationID)
		if err := b.store.RPush(ctx, key, []byte(ev.ID)); err != nil {
			return fmt.Errorf("index event %s: %w", ev.ID, err)
		}
		// The index outlives its newest event by nothing.
		if ev.TTL > 0 {
			if err := b.store.Expire(ctx, key, ev.TTL); err != nil {
				return fmt.Errorf("expire index %s: %w", ev.CorrelationID, err)
			}
		}
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, ev domain.Event) bool {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	streams := make([]*stream, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].info.CreatedAt.Before(subs[j].info.CreatedAt) })

	matched := false
	for _, s := range streams {
		if Matches(s.filter, ev) {
			s.push(ev.Clone())
			matched = true
		}
	}

	now := b.now()
	for _, sub := range subs {
		if !Matches(sub.info.Filter, ev) {
			continue
		}
		matched = true
		if sub.limiter != nil && !sub.limiter.Allow(now) {
			b.rateLimited.Add(1)
			b.metrics.incRateLimited()
			b.logger.Debug("delivery rate limited", "subscription_id", sub.info.ID, "event_id", ev.ID)
			continue
		}
		d := &delivery{sub: sub, event: ev.Clone(), backoff: b.newBackoff()}
		if sub.callback == nil {
			go b.attempt(context.WithoutCancel(ctx), d)
			continue
		}
		b.attempt(ctx, d)
	}
	return matched
}

// newBackoff yields unit*2, unit*4, unit*8... so the wait before retry n is
// unit * 2^n.
func (b *Bus) newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * b.cfg.BackoffUnit
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 1024 * b.cfg.BackoffUnit
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (b *Bus) attempt(ctx context.Context, d *delivery) {
	err := b.invoke(ctx, d.sub, d.event)
	if err == nil {
		b.delivered.Add(1)
		b.metrics.incDelivered()
		return
	}

	b.failed.Add(1)
	b.metrics.incFailed()
	d.event.RetryCount++
	if d.event.RetryCount >= d.event.MaxRetries {
		b.deadLetter(ctx, d, err)
		return
	}

	wait := d.backoff.NextBackOff()
	b.logger.Debug("delivery failed, retry scheduled",
		"subscription_id", d.sub.info.ID, "event_id", d.event.ID,
		"retry_count", d.event.RetryCount, "wait", wait, "error", err)
	b.schedule(wait, func(ctx context.Context) {
		if !b.hasSubscription(d.sub.info.ID) {
			return
		}
		b.attempt(ctx, d)
	})
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, ev domain.Event) (err error) {
	if sub.callback == nil {
		return b.postWebhook(ctx, sub.info.CallbackURL, ev)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("subscriber %s panicked: %v", sub.info.SubscriberID, p)
		}
	}()
	return sub.callback(ctx, ev)
}

func (b *Bus) schedule(wait time.Duration, fn func(ctx context.Context)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(wait, func() {
		b.mu.Lock()
		delete(b.retries, t)
		closed := b.closed
		ctx := b.baseCtx
		b.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		fn(ctx)
	})
	b.retries[t] = struct{}{}
}

func (b *Bus) deadLetter(ctx context.Context, d *delivery, cause error) {
	dl := domain.DeadLetter{
		ID:             ksuid.New().String(),
		Event:          d.event,
		SubscriptionID: d.sub.info.ID,
		SubscriberID:   d.sub.info.SubscriberID,
		Reason:         cause.Error(),
		Attempts:       d.event.RetryCount,
		FailedAt:       b.now().UTC(),
	}
	b.deadLettered.Add(1)
	b.metrics.incDeadLettered()
	b.logger.Warn("event dead-lettered",
		"event_id", dl.Event.ID, "event_type", dl.Event.Type,
		"subscription_id", dl.SubscriptionID, "attempts", dl.Attempts, "reason", dl.Reason)

	ctx = context.WithoutCancel(ctx)
	if err := store.SetJSON(ctx, b.store, deadLetterKey(dl.ID), dl, 0); err != nil {
		b.logger.Error("persist dead letter failed", "dead_letter_id", dl.ID, "error", err)
		return
	}
	if err := b.store.SAdd(ctx, deadLetterIndexKey, dl.ID); err != nil {
		b.logger.Error("index dead letter failed", "dead_letter_id", dl.ID, "error", err)
	}
}

// Subscribe registers a direct callback. Direct subscriptions are recorded in
// the store but cannot be restored after a restart.
func (b *Bus) Subscribe(ctx context.Context, subscriberID string, filter domain.EventFilter, cb Callback) (string, error) {
	if cb == nil {
		return "", errors.New("subscribe: nil callback")
	}
	return b.subscribe(ctx, domain.EventSubscription{SubscriberID: subscriberID, Filter: filter}, cb)
}

// SubscribeURL registers a webhook subscription; events are POSTed as JSON.
func (b *Bus) SubscribeURL(ctx context.Context, subscriberID string, filter domain.EventFilter, callbackURL string) (string, error) {
	u, err := url.Parse(callbackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("subscribe: invalid callback url %q", callbackURL)
	}
	return b.subscribe(ctx, domain.EventSubscription{SubscriberID: subscriberID, Filter: filter, CallbackURL: callbackURL}, nil)
}

func (b *Bus) subscribe(ctx context.Context, info domain.EventSubscription, cb Callback) (string, error) {
	info.ID = uuid.NewString()
	info.CreatedAt = b.now().UTC()
	if err := store.SetJSON(ctx, b.store, subscriptionKey(info.ID), info, 0); err != nil {
		return "", fmt.Errorf("persist subscription: %w", err)
	}
	if err := b.store.SAdd(ctx, subscriptionIndexKey, info.ID); err != nil {
		return "", fmt.Errorf("index subscription: %w", err)
	}
	b.add(&subscription{info: info, callback: cb, limiter: limiterFor(info.Filter)})
	b.logger.Debug("subscription created", "subscription_id", info.ID, "subscriber_id", info.SubscriberID)
	return info.ID, nil
}

func limiterFor(f domain.EventFilter) *slidingWindow {
	if f.RatePerMinute <= 0 {
		return nil
	}
	return newSlidingWindow(f.RatePerMinute, time.Minute)
}

func (b *Bus) add(sub *subscription) {
	b.mu.Lock()
	b.subs[sub.info.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()
	b.metrics.setSubscriptions(n)
}

func (b *Bus) hasSubscription(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[id]
	return ok
}

func (b *Bus) Unsubscribe(ctx context.Context, subscriptionID string) error {
	b.mu.Lock()
	_, ok := b.subs[subscriptionID]
	delete(b.subs, subscriptionID)
	n := len(b.subs)
	b.mu.Unlock()
	if !ok {
		return domain.ErrSubscriptionNotFound
	}
	b.metrics.setSubscriptions(n)

	if err := b.store.Delete(ctx, subscriptionKey(subscriptionID)); err != nil {
		return fmt.Errorf("delete subscription %s: %w", subscriptionID, err)
	}
	if err := b.store.SRem(ctx, subscriptionIndexKey, subscriptionID); err != nil {
		return fmt.Errorf("delete subscription %s: %w", subscriptionID, err)
	}
	return nil
}

func (b *Bus) ListSubscriptions() []domain.EventSubscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.EventSubscription, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Restore reloads persisted webhook subscriptions. Records of direct-callback
// subscriptions from a previous run are dropped.
func (b *Bus) Restore(ctx context.Context) (int, error) {
	ids, err := b.store.SMembers(ctx, subscriptionIndexKey)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	sort.Strings(ids)
	restored := 0
	for _, id := range ids {
		if b.hasSubscription(id) {
			continue
		}
		var info domain.EventSubscription
		err := store.GetJSON(ctx, b.store, subscriptionKey(id), &info)
		if errors.Is(err, store.ErrNotFound) {
			_ = b.store.SRem(ctx, subscriptionIndexKey, id)
			continue
		}
		if err != nil {
			return restored, fmt.Errorf("load subscription %s: %w", id, err)
		}
		if info.CallbackURL == "" {
			b.logger.Info("dropping direct-callback subscription from previous run", "subscription_id", id, "subscriber_id", info.SubscriberID)
			_ = b.store.Delete(ctx, subscriptionKey(id))
			_ = b.store.SRem(ctx, subscriptionIndexKey, id)
			continue
		}
		b.add(&subscription{info: info, limiter: limiterFor(info.Filter)})
		restored++
	}
	return restored, nil
}

func (b *Bus) CreateStream(filter domain.EventFilter) string {
	id := uuid.NewString()
	s := newStream(id, filter, b.cfg.StreamBuffer, b.now())
	b.mu.Lock()
	b.streams[id] = s
	n := len(b.streams)
	b.mu.Unlock()
	b.metrics.setStreams(n)
	return id
}

// ReadStream pops up to max buffered events, oldest first.
func (b *Bus) ReadStream(streamID string, max int) ([]domain.Event, error) {
	b.mu.RLock()
	s, ok := b.streams[streamID]
	b.mu.RUnlock()
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	return s.read(max, b.now()), nil
}

func (b *Bus) CloseStream(streamID string) error {
	b.mu.Lock()
	_, ok := b.streams[streamID]
	delete(b.streams, streamID)
	n := len(b.streams)
	b.mu.Unlock()
	if !ok {
		return domain.ErrStreamNotFound
	}
	b.metrics.setStreams(n)
	return nil
}

// EvictIdleStreams closes streams that have not been read within the idle
// timeout and returns their ids.
func (b *Bus) EvictIdleStreams(now time.Time) []string {
	b.mu.Lock()
	var evicted []string
	for id, s := range b.streams {
		if now.Sub(s.idleSince()) >= b.cfg.StreamIdleTimeout {
			delete(b.streams, id)
			evicted = append(evicted, id)
		}
	}
	n := len(b.streams)
	b.mu.Unlock()
	b.metrics.setStreams(n)
	sort.Strings(evicted)
	if len(evicted) > 0 {
		b.logger.Info("evicted idle streams", "streams", evicted)
	}
	return evicted
}

// AcknowledgeEvent appends an ack record to the event's ack log.
func (b *Bus) AcknowledgeEvent(ctx context.Context, eventID, subscriberID string) error {
	raw, err := json.Marshal(domain.EventAck{EventID: eventID, SubscriberID: subscriberID, AckAt: b.now().UTC()})
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	if err := b.store.RPush(ctx, eventAcksKey(eventID), raw); err != nil {
		return fmt.Errorf("ack event %s: %w", eventID, err)
	}
	if err := b.store.Expire(ctx, eventAcksKey(eventID), b.cfg.EventTTL); err != nil {
		return fmt.Errorf("expire acks for %s: %w", eventID, err)
	}
	b.acked.Add(1)
	return nil
}

func (b *Bus) Acks(ctx context.Context, eventID string) ([]domain.EventAck, error) {
	items, err := b.store.LRange(ctx, eventAcksKey(eventID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list acks for %s: %w", eventID, err)
	}
	out := make([]domain.EventAck, 0, len(items))
	for _, raw := range items {
		var ack domain.EventAck
		if err := json.Unmarshal(raw, &ack); err != nil {
			return nil, fmt.Errorf("decode ack for %s: %w", eventID, err)
		}
		out = append(out, ack)
	}
	return out, nil
}

func (b *Bus) GetEvent(ctx context.Context, eventID string) (domain.Event, error) {
	var ev domain.Event
	if err := store.GetJSON(ctx, b.store, eventKey(eventID), &ev); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Event{}, domain.ErrEventNotFound
		}
		return domain.Event{}, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return ev, nil
}

// EventsByCorrelation returns the unexpired events of a chain in publish order.
func (b *Bus) EventsByCorrelation(ctx context.Context, correlationID string) ([]domain.Event, error) {
	ids, err := b.store.LRange(ctx, correlationKey(correlationID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("list correlation %s: %w", correlationID, err)
	}
	seen := make(map[string]bool, len(ids))
	out := make([]domain.Event, 0, len(ids))
	for _, raw := range ids {
		id := string(raw)
		if seen[id] {
			continue
		}
		seen[id] = true
		ev, err := b.GetEvent(ctx, id)
		if errors.Is(err, domain.ErrEventNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (b *Bus) GetDeadLetter(ctx context.Context, id string) (domain.DeadLetter, error) {
	var dl domain.DeadLetter
	if err := store.GetJSON(ctx, b.store, deadLetterKey(id), &dl); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.DeadLetter{}, domain.ErrDeadLetterNotFound
		}
		return domain.DeadLetter{}, fmt.Errorf("get dead letter %s: %w", id, err)
	}
	return dl, nil
}

// ListDeadLetters returns dead letters oldest first.
func (b *Bus) ListDeadLetters(ctx context.Context) ([]domain.DeadLetter, error) {
	return ListDeadLetters(ctx, b.store)
}

// ListDeadLetters reads the dead-letter queue straight from a store, for
// tools that do not run a bus.
func ListDeadLetters(ctx context.Context, st store.Store) ([]domain.DeadLetter, error) {
	ids, err := st.SMembers(ctx, deadLetterIndexKey)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]domain.DeadLetter, 0, len(ids))
	for _, id := range ids {
		var dl domain.DeadLetter
		err := store.GetJSON(ctx, st, deadLetterKey(id), &dl)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get dead letter %s: %w", id, err)
		}
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.Before(out[j].FailedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ReplayDeadLetter delivers the dead letter's event once more, with its retry
// count reset, to the subscription that failed it. Other subscribers are not
// notified again. On success the dead letter is removed and true is returned;
// on failure it is kept with the new reason and attempt count. The dead
// letter is left alone when its subscription is not hosted by this bus.
func (b *Bus) ReplayDeadLetter(ctx context.Context, id string) (bool, error) {
	dl, err := b.GetDeadLetter(ctx, id)
	if err != nil {
		return false, err
	}
	b.mu.RLock()
	sub, ok := b.subs[dl.SubscriptionID]
	b.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("replay dead letter %s: %w", id, domain.ErrSubscriptionNotFound)
	}

	ev := dl.Event.Clone()
	ev.RetryCount = 0
	b.logger.Info("replaying dead letter", "dead_letter_id", id, "event_id", ev.ID, "subscription_id", sub.info.ID)
	if cause := b.invoke(ctx, sub, ev); cause != nil {
		b.failed.Add(1)
		b.metrics.incFailed()
		dl.Attempts++
		dl.Reason = cause.Error()
		dl.FailedAt = b.now().UTC()
		if err := store.SetJSON(ctx, b.store, deadLetterKey(id), dl, 0); err != nil {
			return false, fmt.Errorf("update dead letter %s: %w", id, err)
		}
		b.logger.Warn("dead letter replay failed", "dead_letter_id", id, "attempts", dl.Attempts, "reason", dl.Reason)
		return false, nil
	}
	b.delivered.Add(1)
	b.metrics.incDelivered()

	if err := b.store.Delete(ctx, deadLetterKey(id)); err != nil {
		return true, fmt.Errorf("remove dead letter %s: %w", id, err)
	}
	if err := b.store.SRem(ctx, deadLetterIndexKey, id); err != nil {
		return true, fmt.Errorf("remove dead letter %s: %w", id, err)
	}
	return true, nil
}

// Metrics returns counters and gauges for the bus.
func (b *Bus) Metrics() Stats {
	b.mu.RLock()
	subs, streams, retries := len(b.subs), len(b.streams), len(b.retries)
	b.mu.RUnlock()
	return Stats{
		Published:      b.published.Load(),
		Delivered:      b.delivered.Load(),
		Failed:         b.failed.Load(),
		DeadLettered:   b.deadLettered.Load(),
		RateLimited:    b.rateLimited.Load(),
		Acknowledged:   b.acked.Load(),
		Relayed:        b.relayed.Load(),
		Subscriptions:  subs,
		Streams:        streams,
		PendingRetries: retries,
	}
}
