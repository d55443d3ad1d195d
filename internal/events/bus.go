// Package events is the in-process pub-sub fabric between the executor, the
// position monitor, and the drop detector. Handlers run in their own
// goroutines so a slow subscriber cannot stall a trading path.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventDropDetected        EventType = "drop_detected"
	EventPositionOpened      EventType = "position_opened"
	EventPositionClosed      EventType = "position_closed"
	EventBreakEvenActivated  EventType = "break_even_activated"
	EventTrailingStopUpdated EventType = "trailing_stop_updated"
	EventEmergency           EventType = "emergency"
	EventError               EventType = "error"
)

// Event carries one occurrence. Data holds one of the typed payload structs
// below; subscribers type-assert on the payload they registered for.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// DropDetected is published by the market-drop detector on every
// non-none classification that clears the alert cooldown.
type DropDetected struct {
	Symbol         string  `json:"symbol"`
	Level          string  `json:"level"` // moderate, severe
	CurrentPrice   float64 `json:"current_price"`
	PriceChange1m  float64 `json:"price_change_1m"`
	PriceChange3m  float64 `json:"price_change_3m"`
	PriceChange5m  float64 `json:"price_change_5m"`
	Velocity       float64 `json:"velocity"`
}

// PositionOpened is published by the executor after broker confirmation.
type PositionOpened struct {
	Ticket     int64   `json:"ticket"`
	UserID     string  `json:"user_id"`
	AgentID    string  `json:"agent_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	LotSize    float64 `json:"lot_size"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Broker     string  `json:"broker"`
}

// PositionClosed is published by the position monitor on every close path.
type PositionClosed struct {
	Ticket     int64   `json:"ticket"`
	UserID     string  `json:"user_id"`
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Profit     float64 `json:"profit"`
	ClosePrice float64 `json:"close_price"`
	Reason     string  `json:"reason"`
}

// StopMoved describes a stop-loss advance, used by both the break-even and
// trailing-stop events.
type StopMoved struct {
	Ticket      int64   `json:"ticket"`
	Symbol      string  `json:"symbol"`
	OldStopLoss float64 `json:"old_stop_loss"`
	NewStopLoss float64 `json:"new_stop_loss"`
	Progress    float64 `json:"progress"`
}

// Emergency is a portfolio-wide protective action announcement.
type Emergency struct {
	Reason          string  `json:"reason"`
	Symbol          string  `json:"symbol"`
	ClosedPositions int     `json:"closed_positions"`
	PriceChange     float64 `json:"price_change"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Handlers run in goroutines so
// publishers never block on subscribers.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishDropDetected publishes a market-drop classification.
func (eb *EventBus) PublishDropDetected(d DropDetected) {
	eb.Publish(Event{Type: EventDropDetected, Data: d})
}

// PublishPositionOpened publishes a newly confirmed position.
func (eb *EventBus) PublishPositionOpened(p PositionOpened) {
	eb.Publish(Event{Type: EventPositionOpened, Data: p})
}

// PublishPositionClosed publishes a position close with its reason.
func (eb *EventBus) PublishPositionClosed(p PositionClosed) {
	eb.Publish(Event{Type: EventPositionClosed, Data: p})
}

// PublishBreakEvenActivated publishes a break-even stop move.
func (eb *EventBus) PublishBreakEvenActivated(m StopMoved) {
	eb.Publish(Event{Type: EventBreakEvenActivated, Data: m})
}

// PublishTrailingStopUpdated publishes a trailing stop advance.
func (eb *EventBus) PublishTrailingStopUpdated(m StopMoved) {
	eb.Publish(Event{Type: EventTrailingStopUpdated, Data: m})
}

// PublishEmergency publishes a portfolio-wide emergency.
func (eb *EventBus) PublishEmergency(e Emergency) {
	eb.Publish(Event{Type: EventEmergency, Data: e})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventError, Data: data})
}
