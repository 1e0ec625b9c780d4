package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/ragcore/internal/infrastructure/resilience"
	"github.com/nats-io/nats.go"
)

type Queue struct {
	conn         *nats.Conn
	subject      string
	group        string
	handlerLimit time.Duration
	executor     *resilience.Executor
	lagObserver  func(time.Duration)
}

// ingestMessage is the wire form of a document ingestion event.
type ingestMessage struct {
	DocumentID  string    `json:"document_id"`
	PublishedAt time.Time `json:"published_at"`
}

func encodeIngestMessage(documentID string, at time.Time) ([]byte, error) {
	return json.Marshal(ingestMessage{DocumentID: documentID, PublishedAt: at.UTC()})
}

// decodeIngestMessage also accepts a bare document id.
func decodeIngestMessage(data []byte) (ingestMessage, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return ingestMessage{}, fmt.Errorf("empty ingest message")
	}
	if !strings.HasPrefix(trimmed, "{") {
		return ingestMessage{DocumentID: trimmed}, nil
	}
	var msg ingestMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return ingestMessage{}, fmt.Errorf("decode ingest message: %w", err)
	}
	if msg.DocumentID == "" {
		return ingestMessage{}, fmt.Errorf("ingest message without document_id")
	}
	return msg, nil
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	QueueGroup           string
	HandlerTimeout       time.Duration
	ResilienceExecutor   *resilience.Executor
	// LagObserver receives the delay between publish and delivery.
	LagObserver func(time.Duration)
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("ragcore"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	group := options.QueueGroup
	if group == "" {
		group = "workers"
	}
	return &Queue{
		conn:         conn,
		subject:      subject,
		group:        group,
		handlerLimit: options.HandlerTimeout,
		executor:     options.ResilienceExecutor,
		lagObserver:  options.LagObserver,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishDocumentIngested(ctx context.Context, documentID string) error {
	payload, err := encodeIngestMessage(documentID, time.Now())
	if err != nil {
		return fmt.Errorf("encode ingest message: %w", err)
	}
	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyPublishError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return publishFailure(documentID, err)
	}
	return nil
}

func (q *Queue) SubscribeDocumentIngested(ctx context.Context, handler func(context.Context, string) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, q.group, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		event, err := decodeIngestMessage(msg.Data)
		if err != nil {
			slog.Warn("ingest_message_dropped", "subject", msg.Subject, "error", err)
			return
		}
		if !event.PublishedAt.IsZero() {
			lag := time.Since(event.PublishedAt)
			slog.Debug("ingest_message_received", "document_id", event.DocumentID, "lag_ms", lag.Milliseconds())
			if q.lagObserver != nil {
				q.lagObserver(lag)
			}
		}

		var (
			handlerCtx context.Context
			cancel     context.CancelFunc
		)
		if q.handlerLimit > 0 {
			handlerCtx, cancel = context.WithTimeout(ctx, q.handlerLimit)
		} else {
			handlerCtx, cancel = context.WithCancel(ctx)
		}
		defer cancel()
		if err := handler(handlerCtx, event.DocumentID); err != nil {
			slog.Error("document_process_failed", "document_id", event.DocumentID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
