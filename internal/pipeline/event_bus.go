package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for capture reports
// Subscribers receive reports from the pipeline after fan-out
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	deviceFilter string // Empty string means receive all devices
	channel      chan *CaptureReport
	handler      CaptureHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for capture reports from all devices
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler CaptureHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeDevice registers a handler for capture reports from one device
func (b *EventBus) SubscribeDevice(deviceID string, handler CaptureHandler) func() {
	return b.add(&eventSubscription{deviceFilter: deviceID, handler: handler})
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives capture reports
// The channel has the specified buffer size
// Returns the channel and an unsubscribe function
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *CaptureReport, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *CaptureReport, bufferSize)
	sub := &eventSubscription{
		channel: ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends a capture report to all subscribers
func (b *EventBus) Publish(report *CaptureReport) {
	if report == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.deviceFilter != "" && sub.deviceFilter != report.DeviceID {
			continue
		}

		// Handlers are called synchronously so reports arrive in capture order
		if sub.handler != nil {
			sub.handler.OnCapture(report)
		} else if sub.channel != nil {
			select {
			case sub.channel <- report:
			default:
				// Channel full, skip this report
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}

// CaptureHandlerFunc adapts a function to CaptureHandler
type CaptureHandlerFunc func(report *CaptureReport)

// OnCapture implements CaptureHandler
func (f CaptureHandlerFunc) OnCapture(report *CaptureReport) {
	f(report)
}
