package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultBufferSize = 16

// ErrInvalidScreenID indicates an empty screen identity on join.
var ErrInvalidScreenID = errors.New("presence: invalid screen id")

// Message is a single event delivered to a screen connection.
type Message struct {
	ScreenID  string
	Event     Event
	Timestamp time.Time
}

// Registry tracks live screen connections grouped by screen identity.
// Delivery is fire-and-forget: an offline screen or a full connection
// buffer drops the event, and the screen recovers state by polling.
type Registry struct {
	mu         sync.RWMutex
	groups     map[string]map[int64]*Subscription
	nextID     int64
	bufferSize int
	clock      func() time.Time
	logger     *zap.Logger
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	BufferSize int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Subscription is one connection's membership in exactly one screen group.
type Subscription struct {
	id       int64
	screenID string
	stream   chan Message
	leave    sync.Once
	registry *Registry
}

func NewRegistry(cfg RegistryConfig) *Registry {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		groups:     make(map[string]map[int64]*Subscription),
		bufferSize: bufferSize,
		clock:      clock,
		logger:     logger,
	}
}

// Join adds a new connection to the screen's group. The membership ends when
// ctx is cancelled or Leave is called, whichever happens first.
func (r *Registry) Join(ctx context.Context, screenID string) (*Subscription, error) {
	screen := strings.TrimSpace(screenID)
	if screen == "" {
		return nil, ErrInvalidScreenID
	}

	r.mu.Lock()
	r.nextID++
	subscription := &Subscription{
		id:       r.nextID,
		screenID: screen,
		stream:   make(chan Message, r.bufferSize),
		registry: r,
	}
	if _, ok := r.groups[screen]; !ok {
		r.groups[screen] = make(map[int64]*Subscription)
	}
	r.groups[screen][subscription.id] = subscription
	r.mu.Unlock()

	r.logger.Debug("screen joined presence group", zap.String("screen_id", screen), zap.Int64("connection_id", subscription.id))

	go func() {
		<-ctx.Done()
		subscription.Leave()
	}()
	return subscription, nil
}

// Broadcast delivers the event to every connection of the screen and returns
// how many received it. An empty group is not an error.
func (r *Registry) Broadcast(screenID string, event Event) int {
	if event == nil {
		return 0
	}
	screen := strings.TrimSpace(screenID)

	r.mu.RLock()
	group := r.groups[screen]
	if len(group) == 0 {
		r.mu.RUnlock()
		r.logger.Debug("presence broadcast dropped, screen offline",
			zap.String("screen_id", screen),
			zap.String("event", event.Name()))
		return 0
	}
	recipients := make([]*Subscription, 0, len(group))
	for _, subscription := range group {
		recipients = append(recipients, subscription)
	}
	r.mu.RUnlock()

	message := Message{ScreenID: screen, Event: event, Timestamp: r.clock().UTC()}
	delivered := 0
	for _, subscription := range recipients {
		select {
		case subscription.stream <- message:
			delivered++
		default:
			r.logger.Debug("presence broadcast dropped, connection buffer full",
				zap.String("screen_id", screen),
				zap.Int64("connection_id", subscription.id),
				zap.String("event", event.Name()))
		}
	}
	return delivered
}

// Members reports the number of live connections for a screen.
func (r *Registry) Members(screenID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups[strings.TrimSpace(screenID)])
}

func (r *Registry) remove(subscription *Subscription) {
	r.mu.Lock()
	group := r.groups[subscription.screenID]
	if group != nil {
		delete(group, subscription.id)
		if len(group) == 0 {
			delete(r.groups, subscription.screenID)
		}
	}
	r.mu.Unlock()
	r.logger.Debug("screen left presence group", zap.String("screen_id", subscription.screenID), zap.Int64("connection_id", subscription.id))
}

// ScreenID returns the group this connection belongs to.
func (s *Subscription) ScreenID() string {
	return s.screenID
}

// Messages streams events for this connection. The channel is never closed;
// select on the connection's context to stop reading.
func (s *Subscription) Messages() <-chan Message {
	return s.stream
}

// Leave removes the connection from its group. It is safe to call repeatedly.
func (s *Subscription) Leave() {
	s.leave.Do(func() {
		s.registry.remove(s)
	})
}
