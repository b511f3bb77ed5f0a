// ABOUTME: NATS queue-group subscriber that turns JSON messages into scheduler submissions
// ABOUTME: Replies with the submit result (or an error) when the message carries a reply subject

package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/2389/fleet-gateway/internal/observability"
	"github.com/2389/fleet-gateway/internal/scheduler"
)

// SubmitMessage is the JSON body accepted on the ingress subject.
type SubmitMessage struct {
	Name           string            `json:"name"`
	Capability     string            `json:"capability"`
	Priority       string            `json:"priority"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// Reply is sent back on the message's reply subject.
type Reply struct {
	scheduler.SubmitResult
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Submitter queues requests, deduplicating by idempotency key.
// *dedupe.Submitter satisfies it.
type Submitter interface {
	Submit(key string, sub scheduler.SubmitRequest) (scheduler.SubmitResult, bool, error)
}

// subscriber is the subset of *nats.Conn the ingress uses.
type subscriber interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Ingress consumes submissions from NATS.
type Ingress struct {
	conn       subscriber
	subject    string
	queueGroup string
	submitter  Submitter
	logger     *slog.Logger
	sub        *nats.Subscription
}

// New creates an ingress on subject. Members of queueGroup share the load.
func New(conn subscriber, subject, queueGroup string, submitter Submitter, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		conn:       conn,
		subject:    subject,
		queueGroup: queueGroup,
		submitter:  submitter,
		logger:     logger.With("component", "ingress"),
	}
}

// Start subscribes. Messages are handled on the NATS client's goroutine.
func (in *Ingress) Start() error {
	sub, err := in.conn.QueueSubscribe(in.subject, in.queueGroup, func(msg *nats.Msg) {
		reply := in.Handle(msg.Data)
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			in.logger.Error("failed to encode ingress reply", "error", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			in.logger.Warn("failed to send ingress reply", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", in.subject, err)
	}
	in.sub = sub
	in.logger.Info("ingress subscribed", "subject", in.subject, "queue_group", in.queueGroup)
	return nil
}

// Stop drains the subscription so in-flight messages finish.
func (in *Ingress) Stop() error {
	if in.sub == nil {
		return nil
	}
	if err := in.sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("draining ingress subscription: %w", err)
	}
	return nil
}

// Handle decodes one message body and submits it.
func (in *Ingress) Handle(data []byte) Reply {
	var m SubmitMessage
	if err := json.Unmarshal(data, &m); err != nil {
		observability.Default.IncCounter("ingress_messages_total", map[string]string{"result": "invalid"}, 1)
		in.logger.Warn("invalid ingress message", "error", err)
		return Reply{Error: fmt.Sprintf("%v: decoding message: %v", scheduler.ErrInvalidRequest, err)}
	}
	priority, err := scheduler.ParsePriority(m.Priority)
	if err != nil {
		observability.Default.IncCounter("ingress_messages_total", map[string]string{"result": "invalid"}, 1)
		return Reply{Error: err.Error()}
	}

	res, dup, err := in.submitter.Submit(m.IdempotencyKey, scheduler.SubmitRequest{
		Name:       m.Name,
		Capability: m.Capability,
		Priority:   priority,
		Metadata:   m.Metadata,
	})
	if err != nil {
		observability.Default.IncCounter("ingress_messages_total", map[string]string{"result": "rejected"}, 1)
		in.logger.Warn("ingress submission rejected", "error", err)
		return Reply{Error: err.Error()}
	}

	result := "submitted"
	if dup {
		result = "duplicate"
	}
	observability.Default.IncCounter("ingress_messages_total", map[string]string{"result": result}, 1)
	in.logger.Debug("ingress submission", "request_id", res.ID, "duplicate", dup)
	return Reply{SubmitResult: res, Duplicate: dup}
}
