package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Conveyor/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeJobTransition MessageType = "job.transition"
	MessageTypeRunRequested  MessageType = "run.requested"
)

// Message — конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// RunRequestedPayload — запрос на запуск pipeline.
type RunRequestedPayload struct {
	Extractor   string `json:"extractor,omitempty"`
	Loader      string `json:"loader,omitempty"`
	Transformer string `json:"transformer,omitempty"`
	Connection  string `json:"connection,omitempty"`
}

// JobEventPayload — переход job.
type JobEventPayload struct {
	JobID      uuid.UUID          `json:"job_id"`
	Pipeline   string             `json:"pipeline"`
	Key        domain.PipelineKey `json:"key"`
	Connection string             `json:"connection,omitempty"`
	From       domain.JobState    `json:"from"`
	To         domain.JobState    `json:"to"`
	At         time.Time          `json:"at"`
	Error      string             `json:"error,omitempty"`

	// Stage — результат стадии, добавленный переходом.
	Stage *StageEventPayload `json:"stage,omitempty"`
}

// StageEventPayload — краткий итог стадии без хвоста вывода.
type StageEventPayload struct {
	Stage      domain.StageKind   `json:"stage"`
	Plugin     string             `json:"plugin"`
	Outcome    domain.ExitOutcome `json:"outcome"`
	DurationMs int64              `json:"duration_ms"`
	Records    int64              `json:"records,omitempty"`
	Bytes      int64              `json:"bytes,omitempty"`
	Metrics    map[string]int64   `json:"metrics,omitempty"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Publish публикует сообщение в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx,
			string(exchange),
			string(routingKey),
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				AppId:        "conveyor",
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishJobEvent публикует переход job в conveyor.jobs
// с routing key job.<state>.
func (p *Publisher) PublishJobEvent(ctx context.Context, job domain.Job, t domain.Transition, stage *domain.StageResult) error {
	msg := newMessage(MessageTypeJobTransition, NewJobEvent(job, t, stage))
	return p.Publish(ctx, ExchangeJobs, JobRoutingKey(t.To), msg)
}

// PublishRunRequested ставит запрос на запуск в runs.requested.
func (p *Publisher) PublishRunRequested(ctx context.Context, req RunRequestedPayload) (string, error) {
	msg := newMessage(MessageTypeRunRequested, req)
	if err := p.Publish(ctx, ExchangeRuns, RoutingKeyRequested, msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func newMessage(t MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NewJobEvent собирает payload события перехода.
func NewJobEvent(job domain.Job, t domain.Transition, stage *domain.StageResult) JobEventPayload {
	ev := JobEventPayload{
		JobID:      job.ID,
		Pipeline:   job.Key.String(),
		Key:        job.Key,
		Connection: job.Connection,
		From:       t.From,
		To:         t.To,
		At:         t.At,
		Error:      job.Error,
	}
	if stage != nil {
		ev.Stage = &StageEventPayload{
			Stage:      stage.Stage,
			Plugin:     stage.Plugin,
			Outcome:    stage.Outcome,
			DurationMs: stage.DurationMs,
			Records:    stage.Records,
			Bytes:      stage.Bytes,
			Metrics:    stage.Metrics,
		}
	}
	return ev
}

// JobRoutingKey возвращает routing key события: job.succeeded, job.loading и т.д.
func JobRoutingKey(state domain.JobState) RoutingKey {
	return RoutingKey("job." + strings.ToLower(string(state)))
}
