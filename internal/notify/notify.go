// Package notify relays task completion events to the conversation that
// created the task.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/clawtasks/internal/bus"
)

// Notification is one completed execution addressed to a chat.
type Notification struct {
	TaskID     string
	Name       string
	Type       string
	Status     string // "success" or "failed"
	Output     string
	DurationMS int64
	Channel    string
	ChatID     string
}

// Title is a short human label for the task.
func (n Notification) Title() string {
	if n.Name != "" {
		return n.Name
	}
	return n.TaskID
}

// Sender delivers notifications for one origin channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

type Config struct {
	Bus    *bus.Bus
	Logger *slog.Logger
	// Senders are keyed by their Name(), matched against the task's origin channel.
	Senders []Sender
	// Fallback receives notifications with no origin or an unknown channel.
	// Defaults to a LogSender.
	Fallback Sender
}

// Notifier subscribes to task.completed and dispatches to senders in
// publish order.
type Notifier struct {
	bus      *bus.Bus
	logger   *slog.Logger
	senders  map[string]Sender
	fallback Sender

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Notifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	senders := make(map[string]Sender, len(cfg.Senders))
	for _, s := range cfg.Senders {
		senders[strings.ToLower(s.Name())] = s
	}
	fallback := cfg.Fallback
	if fallback == nil {
		fallback = NewLogSender(logger)
	}
	return &Notifier{
		bus:      cfg.Bus,
		logger:   logger,
		senders:  senders,
		fallback: fallback,
	}
}

// Start subscribes to the bus and delivers until Stop or ctx cancellation.
func (n *Notifier) Start(ctx context.Context) error {
	if n.bus == nil {
		return fmt.Errorf("notifier requires a bus")
	}
	ctx, n.cancel = context.WithCancel(ctx)
	sub := n.bus.Subscribe(bus.TopicTaskCompleted)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				done, ok := ev.Payload.(bus.TaskCompletedEvent)
				if !ok {
					continue
				}
				n.Deliver(ctx, fromEvent(done))
			}
		}
	}()
	return nil
}

func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

// Deliver routes one notification. Send failures are logged, not returned.
func (n *Notifier) Deliver(ctx context.Context, note Notification) {
	sender := n.fallback
	if s, ok := n.senders[strings.ToLower(note.Channel)]; ok && note.ChatID != "" {
		sender = s
	}
	if err := sender.Send(ctx, note); err != nil {
		n.logger.Error("notification failed", "task_id", note.TaskID, "sender", sender.Name(), "error", err)
	}
}

func fromEvent(ev bus.TaskCompletedEvent) Notification {
	return Notification{
		TaskID:     ev.TaskID,
		Name:       ev.Name,
		Type:       ev.Type,
		Status:     ev.Status,
		Output:     ev.Output,
		DurationMS: ev.DurationMS,
		Channel:    ev.OriginChannel,
		ChatID:     ev.OriginChatID,
	}
}

// LogSender writes notifications to the structured log.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (l *LogSender) Name() string { return "log" }

func (l *LogSender) Send(_ context.Context, n Notification) error {
	level := slog.LevelInfo
	if n.Status != "success" {
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, "task completed",
		"task_id", n.TaskID,
		"name", n.Name,
		"status", n.Status,
		"duration_ms", n.DurationMS,
		"channel", n.Channel,
		"chat_id", n.ChatID,
		"output", n.Output,
	)
	return nil
}
