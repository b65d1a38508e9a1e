package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tullo/streamly/internal/log"
	"github.com/tullo/streamly/internal/models"
	"go.uber.org/zap"
)

// AMQP publishes every event as JSON to a topic exchange, routed by event
// type (live.started, download.failed, ...), so other services can react to
// captures without polling the API.
type AMQP struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQP(url, exchange string) (*AMQP, error) {
	a := &AMQP{url: url, exchange: exchange}
	if err := a.connect(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AMQP) connect() error {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		a.exchange, // name
		"topic",    // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	a.conn, a.ch = conn, ch
	return nil
}

// PublishEvent is a bus handler. A closed connection is re-dialled once.
func (a *AMQP) PublishEvent(ctx context.Context, ev models.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Warn("failed to encode event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil || a.conn.IsClosed() {
		if err := a.connect(); err != nil {
			log.Warn("amqp reconnect failed", zap.Error(err))
			return
		}
	}

	err = a.ch.PublishWithContext(ctx,
		a.exchange,      // exchange
		string(ev.Type), // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.At,
			Type:         string(ev.Type),
			Body:         body,
		})
	if err != nil {
		log.Warn("failed to publish event", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
