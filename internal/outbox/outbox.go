// Package outbox implements the filesystem mail outbox consumed by the
// mail-delivery collaborator. Messages are single JSON files under
// <home>/outbox; delivered messages move to outbox/sent and are swept after
// seven days.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/critic-scm/critic/internal/pubsub"
)

const (
	messageSuffix = ".txt"
	sentSuffix    = ".sent"
	sentRetention = 7 * 24 * time.Hour
)

// Message is one outgoing mail.
type Message struct {
	MessageID       string            `json:"message_id"`
	ParentMessageID string            `json:"parent_message_id,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	FromUser        string            `json:"from_user"`
	ToUser          string            `json:"to_user"`
	Recipients      []string          `json:"recipients"`
	Subject         string            `json:"subject"`
	Body            string            `json:"body"`
}

// Publisher delivers event payloads on a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Outbox writes and manages the message files.
type Outbox struct {
	dir    string
	bus    Publisher
	logger *slog.Logger
}

// Open prepares the outbox directories under the home directory.
func Open(homeDir string, bus Publisher, logger *slog.Logger) (*Outbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(homeDir, "outbox")
	if err := os.MkdirAll(filepath.Join(dir, "sent"), 0o755); err != nil {
		return nil, fmt.Errorf("create outbox: %w", err)
	}
	return &Outbox{dir: dir, bus: bus, logger: logger}, nil
}

// Enqueue writes the message and announces it on the outgoing-email channel.
// An empty message id is assigned.
func (o *Outbox) Enqueue(ctx context.Context, msg *Message) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	tmp, err := os.CreateTemp(o.dir, ".pending-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	final := filepath.Join(o.dir, msg.MessageID+messageSuffix)
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if o.bus != nil {
		payload, err := json.Marshal(map[string]any{"version": 1, "message_id": msg.MessageID})
		if err == nil {
			if err := o.bus.Publish(ctx, pubsub.ChannelOutgoingEmail, payload); err != nil {
				o.logger.Warn("announce outgoing mail failed",
					"message_id", msg.MessageID, "error", err)
			}
		}
	}
	return nil
}

// Pending lists undelivered messages, oldest first.
func (o *Outbox) Pending() ([]Message, error) {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		return nil, err
	}
	var messages []Message
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), messageSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(o.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			o.logger.Warn("skipping malformed outbox file", "file", entry.Name(), "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// MarkSent moves a delivered message into the sent directory.
func (o *Outbox) MarkSent(messageID string) error {
	from := filepath.Join(o.dir, messageID+messageSuffix)
	to := filepath.Join(o.dir, "sent", messageID+sentSuffix)
	if err := os.Rename(from, to); err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}
	return nil
}

// Sweep deletes sent messages older than the retention period. Returns the
// number of files removed.
func (o *Outbox) Sweep(now time.Time) (int, error) {
	sentDir := filepath.Join(o.dir, "sent")
	entries, err := os.ReadDir(sentDir)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-sentRetention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sentSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(sentDir, entry.Name())); err != nil {
			o.logger.Warn("sweep failed to remove sent mail", "file", entry.Name(), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Maintenance is a supervised service running the retention sweep once a
// day.
type Maintenance struct {
	outbox   *Outbox
	interval time.Duration
	logger   *slog.Logger
}

func NewMaintenance(outbox *Outbox, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{outbox: outbox, interval: 24 * time.Hour, logger: logger}
}

func (m *Maintenance) Name() string { return "outbox-maintenance" }

func (m *Maintenance) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := m.outbox.Sweep(time.Now())
			if err != nil {
				m.logger.Warn("outbox sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				m.logger.Info("outbox sweep removed sent mail", "count", removed)
			}
		}
	}
}
