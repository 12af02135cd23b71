package telegram

import (
	"context"
	"errors"
	"sync"
	"time"

	"porchwatch/internal/pipeline"
)

// Notifier sends capture alerts from its own goroutine so a slow Telegram
// API never delays the pipeline
type Notifier struct {
	bot     *TelegramBot
	queue   chan *pipeline.CaptureReport
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

// NewNotifier starts the alert worker
func NewNotifier(bot *TelegramBot) *Notifier {
	n := &Notifier{
		bot:     bot,
		queue:   make(chan *pipeline.CaptureReport, 8),
		timeout: 30 * time.Second,
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// OnCapture queues an alert, dropping it when the queue is full.
// Captures that persisted nothing are not announced.
func (n *Notifier) OnCapture(report *pipeline.CaptureReport) {
	if report.Status == pipeline.CaptureComposeFailed {
		return
	}
	select {
	case n.queue <- report:
	default:
		n.bot.logger.Warn("alert queue full, dropping capture alert", "capture_id", report.ID)
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for report := range n.queue {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		err := n.bot.SendCaptureAlert(ctx, report)
		cancel()

		switch {
		case errors.Is(err, ErrCooldown):
			n.bot.logger.Debug("capture alert suppressed by cooldown", "capture_id", report.ID)
		case err != nil:
			n.bot.logger.Warn("failed to send capture alert", "capture_id", report.ID, "error", err)
		default:
			n.bot.logger.Info("capture alert sent", "capture_id", report.ID)
		}
	}
}

// Close drains queued alerts and stops the worker
func (n *Notifier) Close() {
	n.once.Do(func() {
		close(n.queue)
		n.wg.Wait()
	})
}

var _ pipeline.CaptureHandler = (*Notifier)(nil)
