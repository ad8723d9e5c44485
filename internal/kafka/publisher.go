// Package kafka publishes task lifecycle events so external systems (CI
// dashboards, alerting) can consume run outcomes without polling.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/taskgrid/taskgrid/internal/domain"
)

const (
	// DefaultStatusTopic carries per-task status transitions.
	DefaultStatusTopic = "taskgrid.task.status"
	// DefaultResultTopic carries terminal execution results.
	DefaultResultTopic = "taskgrid.task.results"
)

// statusEvent is the wire shape of a status transition.
type statusEvent struct {
	TaskID    string        `json:"task_id"`
	Status    domain.Status `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

// Publisher writes task events to Kafka. It implements the scheduler's Sink
// interface; Close flushes and releases the writer.
type Publisher struct {
	writer      *segkafka.Writer
	statusTopic string
	resultTopic string
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

func WithStatusTopic(topic string) PublisherOption {
	return func(p *Publisher) { p.statusTopic = topic }
}

func WithResultTopic(topic string) PublisherOption {
	return func(p *Publisher) { p.resultTopic = topic }
}

// NewPublisher creates a publisher connected to the given brokers. Messages
// are keyed by task id so each task's events land on one partition in order.
func NewPublisher(brokers []string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		writer: &segkafka.Writer{
			Addr:                   segkafka.TCP(brokers...),
			Balancer:               &segkafka.Hash{},
			RequiredAcks:           segkafka.RequireOne,
			MaxAttempts:            3,
			WriteTimeout:           10 * time.Second,
			ReadTimeout:            10 * time.Second,
			AllowAutoTopicCreation: true,
		},
		statusTopic: DefaultStatusTopic,
		resultTopic: DefaultResultTopic,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TaskStatus publishes a status transition event.
func (p *Publisher) TaskStatus(ctx context.Context, taskID string, status domain.Status) error {
	value, err := json.Marshal(statusEvent{TaskID: taskID, Status: status, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal status event for %s: %w", taskID, err)
	}
	return p.publish(ctx, p.statusTopic, taskID, value)
}

// TaskResult publishes a terminal execution result.
func (p *Publisher) TaskResult(ctx context.Context, res *domain.ExecutionResult) error {
	value, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result for %s: %w", res.TaskID, err)
	}
	return p.publish(ctx, p.resultTopic, res.TaskID, value)
}

func (p *Publisher) publish(ctx context.Context, topic, key string, value []byte) error {
	// Inject the active trace context into message headers so downstream
	// consumers can continue the trace.
	headers := make(headerCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err := p.writer.WriteMessages(ctx, segkafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []segkafka.Header(headers),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
