package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-scorm-api/internal/dto"
	"github.com/noah-isme/gema-scorm-api/internal/observability"
)

const (
	liveUpdateBufferSize = 64
	liveUpdateSeenWindow = 1024
)

// LiveUpdateService fans newly stored elements out to observers of an attempt,
// across every node sharing the same NATS subject or, without NATS, the same
// Redis channel.
type LiveUpdateService interface {
	Publish(ctx context.Context, event dto.ElementEvent) error
	Subscribe(attemptID uint) (<-chan dto.ElementEvent, func())
	Start(ctx context.Context)
}

type liveUpdateService struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	broker       *elementBroker
	nodeID       string

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

type liveUpdateEnvelope struct {
	ID     string           `json:"id"`
	Source string           `json:"source"`
	Event  dto.ElementEvent `json:"event"`
	SentAt time.Time        `json:"sent_at"`
}

type elementBroker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan dto.ElementEvent]struct{}
}

// NewLiveUpdateService constructs the live update fan-out. Either transport may be nil.
func NewLiveUpdateService(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) LiveUpdateService {
	channel := ""
	subject := ""
	if channelBase != "" {
		channel = channelBase + ":elements"
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".elements"
	}

	return &liveUpdateService{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  subject,
		logger:       logger.With().Str("component", "live_update_service").Logger(),
		broker: &elementBroker{
			subscribers: make(map[uint]map[chan dto.ElementEvent]struct{}),
		},
		nodeID: uuid.NewString(),
		seen:   make(map[string]struct{}),
	}
}

func (s *liveUpdateService) useNATS() bool {
	return s.nats != nil && s.natsSubject != ""
}

func (s *liveUpdateService) useRedis() bool {
	return !s.useNATS() && s.redis != nil && s.redisChannel != ""
}

func (s *liveUpdateService) Start(ctx context.Context) {
	switch {
	case s.useNATS():
		go s.consumeNATS(ctx)
	case s.useRedis():
		go s.consumeRedis(ctx)
	}
}

func (s *liveUpdateService) Publish(ctx context.Context, event dto.ElementEvent) error {
	s.broker.broadcast(event)

	envelope := liveUpdateEnvelope{
		ID:     uuid.NewString(),
		Source: s.nodeID,
		Event:  event,
		SentAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	switch {
	case s.useNATS():
		return s.nats.Publish(s.natsSubject, payload)
	case s.useRedis():
		return s.redis.Publish(ctx, s.redisChannel, payload).Err()
	}
	return nil
}

func (s *liveUpdateService) Subscribe(attemptID uint) (<-chan dto.ElementEvent, func()) {
	channel := make(chan dto.ElementEvent, liveUpdateBufferSize)

	s.broker.subscribe(attemptID, channel)
	observability.LiveSubscribers().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.broker.unsubscribe(attemptID, channel)
			observability.LiveSubscribers().Dec()
		})
	}

	return channel, cleanup
}

func (s *liveUpdateService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("live update redis subscription closed")
			return
		}
		s.handleEnvelope([]byte(msg.Payload))
	}
}

func (s *liveUpdateService) consumeNATS(ctx context.Context) {
	// Every node needs every event, so this is a plain subscription rather than a queue group.
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEnvelope(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats live update subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain live update nats subscription")
		}
	}()
}

func (s *liveUpdateService) handleEnvelope(payload []byte) {
	var envelope liveUpdateEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.logger.Warn().Err(err).Msg("invalid live update payload")
		return
	}

	if envelope.Source == s.nodeID || !s.firstDelivery(envelope.ID) {
		return
	}

	s.broker.broadcast(envelope.Event)
}

// firstDelivery remembers the last liveUpdateSeenWindow envelope IDs so a
// message redelivered by the transport reaches observers once.
func (s *liveUpdateService) firstDelivery(id string) bool {
	if id == "" {
		return true
	}

	s.seenMu.Lock()
	defer s.seenMu.Unlock()

	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > liveUpdateSeenWindow {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
	return true
}

func (b *elementBroker) subscribe(attemptID uint, ch chan dto.ElementEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[attemptID]; !exists {
		b.subscribers[attemptID] = make(map[chan dto.ElementEvent]struct{})
	}
	b.subscribers[attemptID][ch] = struct{}{}
}

func (b *elementBroker) unsubscribe(attemptID uint, ch chan dto.ElementEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[attemptID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, attemptID)
		}
	}
}

func (b *elementBroker) broadcast(event dto.ElementEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[event.AttemptID] {
		select {
		case ch <- event:
		default:
		}
	}
}
