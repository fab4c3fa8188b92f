// Package queue connects the triage service to NATS: a queue-group consumer
// feeds inbound alerts to Submit, and a publisher emits finished results.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/arbiter/internal/alert"
	"github.com/linnemanlabs/arbiter/internal/errs"
	"github.com/linnemanlabs/arbiter/internal/triage"
)

// Default subjects and queue group.
const (
	DefaultInSubject  = "alerts.triage"
	DefaultOutSubject = "alerts.triaged"
	DefaultQueueGroup = "arbiter"
)

// Headers set on published results.
const (
	HeaderAlertID   = "Arbiter-Alert-Id"
	HeaderTriageID  = "Arbiter-Triage-Id"
	HeaderVerdict   = "Arbiter-Verdict"
	HeaderConsensus = "Arbiter-Consensus"
)

// Conn is the subset of *nats.Conn the queue uses.
type Conn interface {
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	PublishMsg(m *nats.Msg) error
}

// Connect dials NATS with reconnects that never give up, logging connection
// state changes through logger.
func Connect(ctx context.Context, url, name string, logger log.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = log.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info(ctx, "nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// Submitter is the triage operation the consumer drives.
type Submitter interface {
	Submit(ctx context.Context, al *alert.Alert) (*triage.SubmitResult, error)
}

// Hooks observe consumer outcomes. result is accepted, duplicate, or an
// errs.Kind.
type Hooks struct {
	OnMessage func(result string)
}

// Consumer subscribes to the inbound subject in a queue group so replicas
// share the load.
type Consumer struct {
	conn    Conn
	svc     Submitter
	subject string
	group   string
	logger  log.Logger
	hooks   Hooks

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewConsumer creates a Consumer. Empty subject or group select defaults.
func NewConsumer(logger log.Logger, conn Conn, svc Submitter, subject, group string, hooks Hooks) *Consumer {
	if conn == nil || svc == nil {
		panic(xerrors.New("queue.NewConsumer: conn and submitter are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if subject == "" {
		subject = DefaultInSubject
	}
	if group == "" {
		group = DefaultQueueGroup
	}
	return &Consumer{
		conn:    conn,
		svc:     svc,
		subject: subject,
		group:   group,
		logger:  logger.With("component", "queue", "subject", subject),
		hooks:   hooks,
	}
}

// Start subscribes. Messages are handled on the NATS delivery goroutine;
// Submit only enqueues, so handling stays short.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.conn.QueueSubscribe(c.subject, c.group, c.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	c.logger.Info(ctx, "nats consumer started", "queue_group", c.group)
	return nil
}

// Close drains the subscription so in-flight messages are delivered first.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return nil
	}
	err := c.sub.Drain()
	c.sub = nil
	return err
}

// reply is sent when the inbound message carries a reply subject.
type reply struct {
	Accepted []*triage.SubmitResult `json:"accepted"`
	Rejected []rejection            `json:"rejected,omitempty"`
}

type rejection struct {
	Error   errs.Kind `json:"error"`
	AlertID string    `json:"alert_id,omitempty"`
}

func (c *Consumer) handle(msg *nats.Msg) {
	ctx := log.WithContext(context.Background(), c.logger)

	alerts, err := decode(msg.Data)
	if err != nil {
		c.observe(string(errs.KindValidation))
		c.logger.Warn(ctx, "dropping undecodable message", "bytes", len(msg.Data), "err", err)
		c.respond(ctx, msg, reply{Rejected: []rejection{{Error: errs.KindValidation}}})
		return
	}

	var out reply
	for i := range alerts {
		res, err := c.svc.Submit(ctx, &alerts[i])
		if err != nil {
			kind := errs.KindOf(err)
			c.observe(string(kind))
			id := alert.SafeID(alerts[i].ID)
			c.logger.Warn(ctx, "alert rejected", "alert_id", id, "kind", kind)
			out.Rejected = append(out.Rejected, rejection{Error: kind, AlertID: id})
			continue
		}
		if res.Skipped {
			c.observe("duplicate")
		} else {
			c.observe("accepted")
		}
		out.Accepted = append(out.Accepted, res)
	}
	c.respond(ctx, msg, out)
}

func (c *Consumer) observe(result string) {
	if c.hooks.OnMessage != nil {
		c.hooks.OnMessage(result)
	}
}

func (c *Consumer) respond(ctx context.Context, msg *nats.Msg, r reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		c.logger.Error(ctx, err, "failed to encode reply")
		return
	}
	if err := c.conn.PublishMsg(&nats.Msg{Subject: msg.Reply, Data: data}); err != nil {
		c.logger.Error(ctx, err, "failed to send reply", "reply", msg.Reply)
	}
}

// errSchema stands in for encoding/json errors, which can quote
// attacker-chosen map keys.
var errSchema = errors.New("alert payload does not match the alert schema")

// decode accepts a single alert or an {"alerts":[...]} envelope.
func decode(data []byte) ([]alert.Alert, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("invalid JSON")
	}
	if gjson.GetBytes(data, "alerts").IsArray() {
		var b alert.Batch
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, errSchema
		}
		if len(b.Alerts) > triage.MaxBatch {
			return nil, fmt.Errorf("batch of %d exceeds %d", len(b.Alerts), triage.MaxBatch)
		}
		return b.Alerts, nil
	}
	var al alert.Alert
	if err := json.Unmarshal(data, &al); err != nil {
		return nil, errSchema
	}
	return []alert.Alert{al}, nil
}

// Publisher emits finished triage results. It implements triage.Notifier.
type Publisher struct {
	conn    Conn
	subject string
}

// NewPublisher creates a Publisher. An empty subject selects DefaultOutSubject.
func NewPublisher(conn Conn, subject string) *Publisher {
	if conn == nil {
		panic(xerrors.New("queue.NewPublisher: conn is required"))
	}
	if subject == "" {
		subject = DefaultOutSubject
	}
	return &Publisher{conn: conn, subject: subject}
}

// Send publishes r as JSON with routing headers.
func (p *Publisher) Send(ctx context.Context, r *triage.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set(HeaderAlertID, r.AlertID)
	msg.Header.Set(HeaderTriageID, r.ID)
	msg.Header.Set(HeaderVerdict, string(r.Verdict))
	msg.Header.Set(HeaderConsensus, string(r.Label))

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}

var _ triage.Notifier = (*Publisher)(nil)
