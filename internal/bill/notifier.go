package bill

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// Transport delivers messages to real-time subscriber connections
type Transport interface {
	// Deliver sends a payload to one connection. Returns an error wrapping
	// ErrConnectionGone when the connection no longer exists.
	Deliver(ctx context.Context, connectionID string, payload []byte) error
}

// Message is the envelope pushed to subscribers
type Message struct {
	Type    string   `json:"type"`
	Payload *Payload `json:"payload"`
}

const messageTypeProcessed = "processed_data"

// FanoutReport summarizes one fan-out
type FanoutReport struct {
	Delivered int
	Removed   int
	Failed    int
}

// Notifier fans a processed result out to every connection subscribed to a file
type Notifier struct {
	registry    Registry
	transport   Transport
	idGenerator IDGenerator
}

// NewNotifier creates a new Notifier
func NewNotifier(registry Registry, transport Transport) *Notifier {
	return NewNotifierWithDeps(registry, transport, &defaultIDGenerator{})
}

// NewNotifierWithDeps creates a new Notifier with a custom ID generator for testing
func NewNotifierWithDeps(registry Registry, transport Transport, idGen IDGenerator) *Notifier {
	return &Notifier{
		registry:    registry,
		transport:   transport,
		idGenerator: idGen,
	}
}

// Notify delivers payload to every connection recorded for fileKey.
// Each recipient is independent: failures are logged and never returned, and
// connections reported gone are removed from the registry.
func (n *Notifier) Notify(ctx context.Context, fileKey string, payload *Payload) FanoutReport {
	var report FanoutReport

	records, err := n.registry.FindByFileKey(ctx, fileKey)
	if err != nil {
		slog.Error("Failed to look up subscribers", "file_key", fileKey, "error", err)
		return report
	}

	body, err := json.Marshal(Message{Type: messageTypeProcessed, Payload: payload})
	if err != nil {
		slog.Error("Failed to encode notification", "file_key", fileKey, "error", err)
		return report
	}

	for _, record := range records {
		if record.Placeholder {
			continue
		}

		err := n.transport.Deliver(ctx, record.ID, body)
		switch {
		case err == nil:
			report.Delivered++
			slog.Info("Message sent to connection", "connection_id", record.ID, "file_key", fileKey)
		case errors.Is(err, ErrConnectionGone):
			slog.Info("Removing stale connection", "connection_id", record.ID, "file_key", fileKey)
			if n.removeConnection(ctx, record) {
				report.Removed++
			} else {
				report.Failed++
			}
		default:
			report.Failed++
			slog.Error("Failed to send message to connection", "connection_id", record.ID, "file_key", fileKey, "error", err)
		}
	}

	return report
}

// removeConnection deletes a gone connection's record. A processed record
// is first copied to a placeholder so the stored result survives the
// connection and later replays still find it.
func (n *Notifier) removeConnection(ctx context.Context, record *Record) bool {
	if record.Status == StatusProcessed {
		if err := keepAsPlaceholder(ctx, n.registry, n.idGenerator, record); err != nil {
			slog.Error("Failed to keep processed result of stale connection", "connection_id", record.ID, "error", err)
			return false
		}
	}

	if err := n.registry.Delete(ctx, record.ID); err != nil {
		slog.Error("Failed to remove stale connection", "connection_id", record.ID, "error", err)
		return false
	}
	return true
}
