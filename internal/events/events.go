// Package events publishes render job lifecycle events to an AMQP exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"renderhub/internal/models"
	"renderhub/internal/pkg/logger"
)

// Type is the event name, also used as the routing key.
type Type string

const (
	TypeJobCompleted Type = "render_job.completed"
	TypeJobFailed    Type = "render_job.failed"
)

// Event is the message body published for a job that reached a terminal state.
type Event struct {
	ID        string           `json:"id"`
	Type      Type             `json:"type"`
	JobID     string           `json:"job_id"`
	ProductID string           `json:"product_id"`
	Status    models.Status    `json:"status"`
	Error     string           `json:"error,omitempty"`
	Artifacts models.Artifacts `json:"artifacts"`
	Images    []string         `json:"images,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ForJob builds the terminal event for job. It returns false for a job that
// is not terminal.
func ForJob(job *models.RenderJob, now time.Time) (Event, bool) {
	var t Type
	switch job.Status {
	case models.StatusCompleted:
		t = TypeJobCompleted
	case models.StatusFailed:
		t = TypeJobFailed
	default:
		return Event{}, false
	}

	ev := Event{
		ID:        uuid.NewString(),
		Type:      t,
		JobID:     job.ID,
		ProductID: job.ProductID,
		Status:    job.Status,
		Artifacts: job.Artifacts,
		Images:    job.Metadata.RenderedImages,
		Timestamp: now.UTC(),
	}
	if job.ErrorMessage != nil {
		ev.Error = *job.ErrorMessage
	}
	return ev, true
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                        { return nil }

// AMQPPublisher publishes events as persistent JSON messages on a topic
// exchange. A closed channel is reopened on the next publish.
type AMQPPublisher struct {
	url      string
	exchange string
	log      *logger.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPPublisher(url, exchange string, log *logger.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	p := &AMQPPublisher{url: url, exchange: exchange, log: log.WithComponent("events")}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connectLocked() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	p.conn = conn
	p.channel = ch
	p.log.Info("connected to amqp", "exchange", p.exchange)
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() || p.channel == nil || p.channel.IsClosed() {
		if p.conn != nil {
			p.conn.Close()
		}
		if err := p.connectLocked(); err != nil {
			return err
		}
	}

	err = p.channel.PublishWithContext(ctx, p.exchange, string(ev.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.Timestamp,
		Type:         string(ev.Type),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}

	p.log.Debug("published event", "type", string(ev.Type), "job_id", ev.JobID, "event_id", ev.ID)
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
