// Package notify pushes run lifecycle events to chat platforms.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/flowline/internal/engine"
	"go.uber.org/zap"
)

// Channel is a destination for run notifications.
type Channel interface {
	Name() string
	Post(ctx context.Context, subject, body string) error
}

// Notifier fans run lifecycle events out to every configured channel.
// It implements the engine's run listener.
type Notifier struct {
	channels []Channel
	timeout  time.Duration
	logger   *zap.Logger
}

// NewNotifier creates a notifier with no channels attached.
func NewNotifier(logger *zap.Logger) *Notifier {
	return &Notifier{timeout: 10 * time.Second, logger: logger}
}

// Add attaches a channel.
func (n *Notifier) Add(c Channel) {
	n.channels = append(n.channels, c)
	n.logger.Info("notification channel attached", zap.String("channel", c.Name()))
}

// RunStarted announces a run entering execution.
func (n *Notifier) RunStarted(run *engine.Run) {
	subject := fmt.Sprintf("Run %s started", shortID(run.ID))
	body := fmt.Sprintf("Workflow %s is executing.", run.WorkflowID)
	n.post(subject, body)
}

// RunFinished announces a run reaching a terminal state.
func (n *Notifier) RunFinished(run *engine.Run) {
	subject := fmt.Sprintf("Run %s %s", shortID(run.ID), run.Status)
	body := fmt.Sprintf("Workflow %s settled with status %s, cost %.4f.",
		run.WorkflowID, run.Status, run.Cost)
	if run.Error != "" {
		body += "\nError: " + run.Error
	}
	n.post(subject, body)
}

// post delivers to every channel in the background. Delivery failures are
// logged, never surfaced to the engine.
func (n *Notifier) post(subject, body string) {
	for _, c := range n.channels {
		go func(c Channel) {
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			if err := c.Post(ctx, subject, body); err != nil {
				n.logger.Warn("notification delivery failed",
					zap.String("channel", c.Name()), zap.Error(err))
			}
		}(c)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
