package utils

// BusEvent is one item on the in-process event bus.
type BusEvent struct {
	Name string      `json:"event"`
	Data interface{} `json:"data"`
}

// EventBus decouples producers (REST handlers creating room events) from the
// websocket hub that fans them out to subscribers.
type EventBus struct {
	events chan BusEvent
}

func NewEventBus() *EventBus {
	return &EventBus{
		events: make(chan BusEvent, 100),
	}
}

// Publish enqueues an event, dropping it if the bus is saturated.
func (eb *EventBus) Publish(name string, data interface{}) {
	e := BusEvent{Name: name, Data: data}
	select {
	case eb.events <- e:
	default:
	}
}

// Events is the single-consumer channel the hub drains.
func (eb *EventBus) Events() <-chan BusEvent {
	return eb.events
}
