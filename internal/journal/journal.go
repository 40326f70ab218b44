package journal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMailboxSize    = 256
	defaultPublishTimeout = 5 * time.Second
	routingKeyPrefix      = "milestone."
)

// Milestone is one flow step reported to downstream reporting consumers.
type Milestone struct {
	Name          string    `json:"name"`
	ScreenID      string    `json:"screenId"`
	MeasurementID string    `json:"measurementId"`
	Token         string    `json:"token,omitempty"`
	State         string    `json:"state,omitempty"`
	VisitorID     string    `json:"visitorId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Recorder accepts milestones without blocking the caller.
type Recorder interface {
	Record(milestone Milestone)
}

// Nop discards every milestone.
type Nop struct{}

func (Nop) Record(Milestone) {}

// Transport delivers an encoded milestone to the broker.
type Transport interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Close() error
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	Transport      Transport
	MailboxSize    int
	PublishTimeout time.Duration
	Logger         *zap.Logger
}

// Publisher owns a mailbox drained by a single goroutine that forwards
// milestones to the transport. A full mailbox drops the milestone.
type Publisher struct {
	transport Transport
	mailbox   chan Milestone
	timeout   time.Duration
	logger    *zap.Logger
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewPublisher(cfg PublisherConfig) *Publisher {
	size := cfg.MailboxSize
	if size <= 0 {
		size = defaultMailboxSize
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := &Publisher{
		transport: cfg.Transport,
		mailbox:   make(chan Milestone, size),
		timeout:   timeout,
		logger:    logger,
	}
	publisher.wg.Add(1)
	go publisher.run()
	return publisher
}

// Record enqueues the milestone. Milestones recorded after Close are dropped.
func (p *Publisher) Record(milestone Milestone) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.logger.Debug("journal closed, milestone dropped",
			zap.String("milestone", milestone.Name),
			zap.String("measurement_id", milestone.MeasurementID))
		return
	}
	select {
	case p.mailbox <- milestone:
	default:
		p.logger.Warn("journal mailbox full, milestone dropped",
			zap.String("milestone", milestone.Name),
			zap.String("measurement_id", milestone.MeasurementID))
	}
}

// Close drains pending milestones and closes the transport.
func (p *Publisher) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.mailbox)
		p.mu.Unlock()
		p.wg.Wait()
		if p.transport != nil {
			err = p.transport.Close()
		}
	})
	return err
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for milestone := range p.mailbox {
		p.publish(milestone)
	}
}

func (p *Publisher) publish(milestone Milestone) {
	if p.transport == nil {
		return
	}
	body, err := json.Marshal(milestone)
	if err != nil {
		p.logger.Error("journal encode failed", zap.String("milestone", milestone.Name), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.transport.Publish(ctx, routingKeyPrefix+milestone.Name, body); err != nil {
		p.logger.Warn("journal publish failed",
			zap.String("milestone", milestone.Name),
			zap.String("measurement_id", milestone.MeasurementID),
			zap.Error(err))
	}
}
