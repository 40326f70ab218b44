package journal

import (
	"context"
	"errors"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errMissingBrokerURL = errors.New("journal: amqp url required")

// AMQPTransport publishes to a topic exchange, dialing lazily and redialing
// after the broker drops the connection.
type AMQPTransport struct {
	url      string
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPTransport(url, exchange string) (*AMQPTransport, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errMissingBrokerURL
	}
	return &AMQPTransport{url: url, exchange: exchange}, nil
}

func (t *AMQPTransport) Publish(ctx context.Context, routingKey string, body []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	channel, err := t.ensureChannelLocked()
	if err != nil {
		return err
	}
	err = channel.PublishWithContext(ctx, t.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		t.resetLocked()
	}
	return err
}

func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resetLocked()
}

func (t *AMQPTransport) ensureChannelLocked() (*amqp.Channel, error) {
	if t.conn != nil && !t.conn.IsClosed() && t.channel != nil && !t.channel.IsClosed() {
		return t.channel, nil
	}
	_ = t.resetLocked()

	conn, err := amqp.Dial(t.url)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := channel.ExchangeDeclare(t.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, err
	}
	t.conn = conn
	t.channel = channel
	return channel, nil
}

func (t *AMQPTransport) resetLocked() error {
	var errs []error
	if t.channel != nil && !t.channel.IsClosed() {
		errs = append(errs, t.channel.Close())
	}
	if t.conn != nil && !t.conn.IsClosed() {
		errs = append(errs, t.conn.Close())
	}
	t.channel = nil
	t.conn = nil
	return errors.Join(errs...)
}
