package events

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/settlement-relayer/config"
)

type Channels []chan *ResultEvent

// Store array of channels by topic
type EventBus struct {
	mu         sync.RWMutex
	channels   map[string]Channels
	bufferSize int
	closed     bool
}

func NewEventBus(config *config.EventBusConfig) *EventBus {
	bufferSize := 256
	if config != nil && config.BufferSize > 0 {
		bufferSize = config.BufferSize
	}
	return &EventBus{
		channels:   make(map[string]Channels),
		bufferSize: bufferSize,
	}
}

// BroadcastEvent never blocks: a subscriber whose buffer is full misses the event.
func (eb *EventBus) BroadcastEvent(event *ResultEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	for _, channel := range eb.channels[event.Topic] {
		select {
		case channel <- event:
		default:
			log.Warn().Str("topic", event.Topic).Msg("[EventBus] [BroadcastEvent] subscriber buffer is full, event dropped")
		}
	}
}

// Subscribe returns one channel receiving events of all given topics.
func (eb *EventBus) Subscribe(topics ...string) <-chan *ResultEvent {
	receiver := make(chan *ResultEvent, eb.bufferSize)
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, topic := range topics {
		eb.channels[topic] = append(eb.channels[topic], receiver)
	}
	return receiver
}

func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	seen := make(map[chan *ResultEvent]struct{})
	for _, channels := range eb.channels {
		for _, channel := range channels {
			if _, ok := seen[channel]; ok {
				continue
			}
			seen[channel] = struct{}{}
			close(channel)
		}
	}
}
