package sse

import (
	"context"
	"sync"

	"ms-fulfillment/internal/models"
)

// TrackingEventEmitter fans shipping updates out to SSE clients watching a tracking number.
type TrackingEventEmitter struct {
	clients map[string][]chan models.ShippingUpdatedEvent
	mu      sync.RWMutex
}

func NewTrackingEventEmitter() *TrackingEventEmitter {
	return &TrackingEventEmitter{
		clients: make(map[string][]chan models.ShippingUpdatedEvent),
	}
}

// Subscribe registers a client until ctx is done; the channel is closed on removal.
func (e *TrackingEventEmitter) Subscribe(ctx context.Context, trackingNumber string) <-chan models.ShippingUpdatedEvent {
	ch := make(chan models.ShippingUpdatedEvent, 10)

	e.mu.Lock()
	e.clients[trackingNumber] = append(e.clients[trackingNumber], ch)
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(trackingNumber, ch)
	}()

	return ch
}

// Emit broadcasts ev to every subscriber of its tracking number.
func (e *TrackingEventEmitter) Emit(ev models.ShippingUpdatedEvent) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ch := range e.clients[ev.TrackingNumber] {
		// Slow clients miss updates rather than blocking the tracker.
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *TrackingEventEmitter) remove(trackingNumber string, ch chan models.ShippingUpdatedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	clients := e.clients[trackingNumber]
	for i, c := range clients {
		if c == ch {
			e.clients[trackingNumber] = append(clients[:i], clients[i+1:]...)
			close(ch)
			break
		}
	}
	if len(e.clients[trackingNumber]) == 0 {
		delete(e.clients, trackingNumber)
	}
}

// ClientCount returns the number of clients watching trackingNumber.
func (e *TrackingEventEmitter) ClientCount(trackingNumber string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients[trackingNumber])
}
