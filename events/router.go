package events

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// MaxBuffered caps the events kept for a reloading plugin. The oldest
	// are dropped first.
	MaxBuffered = 100
	// MailboxSize is the number of undelivered events one subscription
	// holds before new ones are dropped.
	MailboxSize = 256
)

// Handler receives the events of one plugin. Calls for the same plugin never
// overlap.
type Handler func(Event)

type subscription struct {
	types []string
	box   *mailbox
}

func (s *subscription) wants(t string) bool {
	for _, w := range s.types {
		if w == t {
			return true
		}
	}
	return false
}

// mailbox serializes delivery to one handler.
type mailbox struct {
	queue chan Event
	quit  chan struct{}
	once  sync.Once
}

func newMailbox(pluginID string, h Handler) *mailbox {
	b := &mailbox{queue: make(chan Event, MailboxSize), quit: make(chan struct{})}
	go b.run(pluginID, h)
	return b
}

func (b *mailbox) run(pluginID string, h Handler) {
	for {
		select {
		case <-b.quit:
			return
		case ev := <-b.queue:
			select {
			case <-b.quit:
				return
			default:
			}
			deliver(pluginID, h, ev)
		}
	}
}

func deliver(pluginID string, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("event handler panicked",
				zap.String("plugin", pluginID),
				zap.String("type", ev.Type),
				zap.Any("panic", r))
		}
	}()
	h(ev)
}

func (b *mailbox) post(ev Event) bool {
	select {
	case b.queue <- ev:
		return true
	default:
		return false
	}
}

func (b *mailbox) close() {
	b.once.Do(func() { close(b.quit) })
}

// Stats is a snapshot of the router.
type Stats struct {
	Subscriptions int
	Buffering     int
	Buffered      int
}

// Router keeps the event subscriptions of every plugin.
type Router struct {
	mu        sync.Mutex
	subs      map[string]*subscription
	buffering map[string][]Event
	now       func() time.Time
}

// NewRouter returns a router without subscriptions.
func NewRouter() *Router {
	return &Router{
		subs:      make(map[string]*subscription),
		buffering: make(map[string][]Event),
		now:       time.Now,
	}
}

// Subscribe sets the event types pluginID receives and returns the ones
// accepted. An empty list selects every allowed non-plugin type; types that
// are not allowed are dropped. A handler attached earlier is kept.
func (r *Router) Subscribe(pluginID string, types []string) []string {
	var accepted []string
	if len(types) == 0 {
		accepted = AllowedTypes()
	}
	for _, t := range types {
		if IsAllowed(t) {
			accepted = append(accepted, t)
		}
	}

	r.mu.Lock()
	if s, ok := r.subs[pluginID]; ok {
		s.types = accepted
	} else {
		r.subs[pluginID] = &subscription{types: accepted}
	}
	r.mu.Unlock()

	Logger().Debug("event subscription set",
		zap.String("plugin", pluginID),
		zap.Strings("types", accepted))
	return accepted
}

// Attach delivers pluginID's events to h. Without a prior Subscribe the
// plugin receives every allowed non-plugin type. Buffering ends and the
// buffered events the subscription wants are replayed first; Attach returns
// how many.
func (r *Router) Attach(pluginID string, h Handler) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[pluginID]
	if !ok {
		s = &subscription{types: AllowedTypes()}
		r.subs[pluginID] = s
	}
	if s.box != nil {
		s.box.close()
	}
	s.box = newMailbox(pluginID, h)

	buffered := r.buffering[pluginID]
	delete(r.buffering, pluginID)
	replayed := 0
	for _, ev := range buffered {
		if s.wants(ev.Type) && s.box.post(ev) {
			replayed++
		}
	}
	Logger().Debug("event handler attached",
		zap.String("plugin", pluginID),
		zap.Int("replayed", replayed))
	return replayed
}

// Unsubscribe removes pluginID's subscription. Pending deliveries are
// abandoned.
func (r *Router) Unsubscribe(pluginID string) {
	r.mu.Lock()
	s, ok := r.subs[pluginID]
	delete(r.subs, pluginID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if s.box != nil {
		s.box.close()
	}
	Logger().Debug("event subscription removed", zap.String("plugin", pluginID))
}

// Types returns the types pluginID is subscribed to.
func (r *Router) Types(pluginID string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[pluginID]
	if !ok {
		return nil, false
	}
	return append([]string(nil), s.types...), true
}

// StartBuffering keeps every allowed event for pluginID until Attach or
// StopBuffering.
func (r *Router) StartBuffering(pluginID string) {
	r.mu.Lock()
	if _, ok := r.buffering[pluginID]; !ok {
		r.buffering[pluginID] = []Event{}
	}
	r.mu.Unlock()
	Logger().Debug("event buffering started", zap.String("plugin", pluginID))
}

// StopBuffering ends buffering and returns the events kept.
func (r *Router) StopBuffering(pluginID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	buffered := r.buffering[pluginID]
	delete(r.buffering, pluginID)
	return buffered
}

// Route hands ev to every subscription that wants it and returns the number
// of deliveries queued. Events of types plugins may not receive are
// ignored; a missing timestamp is set to now.
func (r *Router) Route(ev Event) int {
	if !IsAllowed(ev.Type) {
		Logger().Debug("event type not routable", zap.String("type", ev.Type))
		return 0
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = r.now().UnixMilli()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, buf := range r.buffering {
		buf = append(buf, ev)
		if len(buf) > MaxBuffered {
			buf = buf[len(buf)-MaxBuffered:]
			Logger().Debug("event buffer full, oldest dropped", zap.String("plugin", id))
		}
		r.buffering[id] = buf
	}

	queued := 0
	for id, s := range r.subs {
		if _, ok := r.buffering[id]; ok || !s.wants(ev.Type) {
			continue
		}
		if s.box == nil {
			Logger().Debug("event dropped before handler attached",
				zap.String("plugin", id),
				zap.String("type", ev.Type))
			continue
		}
		if !s.box.post(ev) {
			Logger().Warn("event mailbox full, event dropped",
				zap.String("plugin", id),
				zap.String("type", ev.Type))
			continue
		}
		queued++
	}
	return queued
}

// Subscribers lists the plugins with a subscription, sorted.
func (r *Router) Subscribers() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Subscriptions: len(r.subs), Buffering: len(r.buffering)}
	for _, buf := range r.buffering {
		st.Buffered += len(buf)
	}
	return st
}

// Close removes every subscription and buffer.
func (r *Router) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*subscription)
	r.buffering = make(map[string][]Event)
	r.mu.Unlock()
	for _, s := range subs {
		if s.box != nil {
			s.box.close()
		}
	}
}
