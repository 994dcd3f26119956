package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Vigil-NVR/VigilNVR/internal/core"
)

// Service publishes movement lifecycle events onto the bus and fans
// them out to subscriber channels for the SSE and websocket layers.
type Service struct {
	bus    *core.EventBus
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func NewService(bus *core.EventBus, logger *slog.Logger) *Service {
	return &Service{
		bus:         bus,
		logger:      logger.With("component", "events"),
		subscribers: make(map[string]chan *Event),
	}
}

// Start wires the bus subscription. A single wildcard subscription
// keeps delivery in publish order across the three subjects.
func (s *Service) Start() error {
	err := s.bus.Subscribe(SubjectMovementAll, func(data []byte) {
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			s.logger.Error("Failed to decode movement event", "error", err)
			return
		}
		s.fanout(&event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to movement events: %w", err)
	}
	return nil
}

func (s *Service) Stop() {
	if err := s.bus.Unsubscribe(SubjectMovementAll); err != nil {
		s.logger.Error("Failed to unsubscribe from movement events", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}

// PublishNew announces a movement opening. movement is the
// client-facing JSON of the new record.
func (s *Service) PublishNew(cameraKey, movementKey string, movement json.RawMessage) {
	s.publish(TypeMovementNew, cameraKey, movementKey, movement)
}

// PublishUpdate announces detection results landing on an open or
// recently closed movement.
func (s *Service) PublishUpdate(cameraKey, movementKey string, movement json.RawMessage) {
	s.publish(TypeMovementUpdate, cameraKey, movementKey, movement)
}

// PublishComplete announces that a movement closed and its final
// record is durable.
func (s *Service) PublishComplete(cameraKey, movementKey string, movement json.RawMessage) {
	s.publish(TypeMovementComplete, cameraKey, movementKey, movement)
}

func (s *Service) publish(t Type, cameraKey, movementKey string, movement json.RawMessage) {
	event := &Event{
		ID:          uuid.New().String(),
		Type:        t,
		CameraKey:   cameraKey,
		MovementKey: movementKey,
		Timestamp:   time.Now(),
		Movement:    movement,
	}
	if err := s.bus.Publish(subjectFor(t), event); err != nil {
		s.logger.Error("Failed to publish movement event",
			"type", t,
			"movement", movementKey,
			"error", err)
	}
}

// Subscribe registers a client channel. The channel is buffered;
// slow consumers drop events rather than stall the stream.
func (s *Service) Subscribe() (string, chan *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan *Event, 100)
	s.subscribers[id] = ch
	return id, ch
}

func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *Service) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

func (s *Service) fanout(event *Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			s.logger.Warn("Subscriber channel full, dropping event",
				"subscriber", id,
				"type", event.Type)
		}
	}
}
