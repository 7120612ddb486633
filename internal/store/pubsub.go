package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Envelope is the wire format of every published event
type Envelope struct {
	Timestamp time.Time       `json:"timestamp"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals the event data into v
func (e Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Handler receives events of one channel. Returned errors and panics are logged.
type Handler func(Envelope) error

type handlerEntry struct {
	id uint64
	fn Handler
}

// subscription fans out messages of one channel to its handlers on a dedicated goroutine
type subscription struct {
	channel  string
	handlers []handlerEntry
	msgs     chan *redis.Message
	quit     chan struct{}
}

// Publish wraps data in an Envelope and publishes it on {prefix}:{channel}
func (s *Store) Publish(ctx context.Context, channel string, data interface{}) bool {
	if !s.ensure(ctx, "publish") {
		return false
	}
	return s.publish(ctx, channel, data)
}

func (s *Store) publish(ctx context.Context, channel string, data interface{}) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("Failed to serialize event", zap.String("channel", channel), zap.Error(err))
		return false
	}

	full := s.Key(channel)
	payload, err := json.Marshal(Envelope{Timestamp: s.now().UTC(), Channel: full, Data: raw})
	if err != nil {
		s.logger.Error("Failed to serialize envelope", zap.String("channel", channel), zap.Error(err))
		return false
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	receivers, err := s.client.Publish(opCtx, full, payload).Result()
	if err != nil {
		s.fail("publish", err)
		return false
	}
	s.logger.Debug("Published event", zap.String("channel", full), zap.Int64("subscribers", receivers))
	return true
}

// Subscribe registers handler for {prefix}:{channel}. The first subscription starts the
// shared listener. The returned id is used with Unsubscribe.
func (s *Store) Subscribe(ctx context.Context, channel string, handler Handler) (uint64, bool) {
	if handler == nil {
		return 0, false
	}
	if !s.ensure(ctx, "subscribe") {
		return 0, false
	}

	full := s.Key(channel)

	s.listenMu.Lock()
	defer s.listenMu.Unlock()

	s.subMu.RLock()
	closed := s.closed
	_, exists := s.subs[full]
	s.subMu.RUnlock()
	if closed {
		return 0, false
	}

	if !exists {
		if err := s.listen(ctx, full); err != nil {
			s.fail("subscribe", err)
			return 0, false
		}
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.closed {
		return 0, false
	}
	sub, exists := s.subs[full]
	if !exists {
		sub = &subscription{
			channel: full,
			msgs:    make(chan *redis.Message, s.config.ChannelBuffer),
			quit:    make(chan struct{}),
		}
		s.subs[full] = sub
		s.wg.Add(1)
		go s.fanOut(sub)
	}

	s.nextID++
	id := s.nextID
	sub.handlers = append(sub.handlers, handlerEntry{id: id, fn: handler})

	s.logger.Info("Subscribed to channel", zap.String("channel", full), zap.Uint64("handler", id))
	return id, true
}

// listen adds channel to the shared PubSub, starting the receiver on first use.
// Caller holds listenMu but not subMu.
func (s *Store) listen(ctx context.Context, channel string) error {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if s.pubsub != nil {
		return s.pubsub.Subscribe(opCtx, channel)
	}

	ps := s.client.Subscribe(opCtx, channel)
	if _, err := ps.Receive(opCtx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to start pubsub: %w", err)
	}
	s.pubsub = ps

	s.wg.Add(1)
	go s.receive(ps.Channel())
	s.logger.Info("Pub/sub listener started")
	return nil
}

// Unsubscribe removes handler id from channel; id 0 removes every handler of the channel.
// The channel is dropped from the listener when no handler remains.
func (s *Store) Unsubscribe(ctx context.Context, channel string, id uint64) bool {
	full := s.Key(channel)

	s.listenMu.Lock()
	defer s.listenMu.Unlock()

	removed, drained := s.removeHandler(full, id)
	if !removed {
		return false
	}
	if !drained {
		return true
	}

	if s.pubsub != nil {
		opCtx, cancel := s.opContext(ctx)
		defer cancel()
		if err := s.pubsub.Unsubscribe(opCtx, full); err != nil {
			s.fail("unsubscribe", err)
		}
	}
	s.logger.Info("Unsubscribed from channel", zap.String("channel", full))
	return true
}

// removeHandler drops handler id (0 for all) from channel. drained reports that the
// last handler went and the fan-out was stopped; the listener still has to be told.
func (s *Store) removeHandler(channel string, id uint64) (removed, drained bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	sub, ok := s.subs[channel]
	if !ok {
		return false, false
	}

	if id == 0 {
		sub.handlers = nil
	} else {
		kept := sub.handlers[:0:0]
		found := false
		for _, h := range sub.handlers {
			if h.id == id {
				found = true
				continue
			}
			kept = append(kept, h)
		}
		if !found {
			return false, false
		}
		sub.handlers = kept
	}

	if len(sub.handlers) > 0 {
		return true, false
	}
	delete(s.subs, channel)
	close(sub.quit)
	return true, true
}

// receive is the single listener goroutine. It routes each message to its channel's fan-out.
func (s *Store) receive(msgs <-chan *redis.Message) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.subMu.RLock()
			sub := s.subs[msg.Channel]
			s.subMu.RUnlock()
			if sub == nil {
				continue
			}

			select {
			case sub.msgs <- msg:
			case <-sub.quit:
			case <-s.stopCh:
				return
			}
		}
	}
}

// fanOut delivers messages of one channel to a snapshot of its handlers
func (s *Store) fanOut(sub *subscription) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-sub.quit:
			return
		case msg := <-sub.msgs:
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.logger.Error("Skipping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}

			s.subMu.RLock()
			handlers := make([]handlerEntry, len(sub.handlers))
			copy(handlers, sub.handlers)
			s.subMu.RUnlock()

			for _, h := range handlers {
				s.dispatch(sub.channel, h, env)
			}
		}
	}
}

func (s *Store) dispatch(channel string, h handlerEntry, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Pub/sub handler panicked",
				zap.String("channel", channel),
				zap.Uint64("handler", h.id),
				zap.Any("panic", r))
		}
	}()

	if err := h.fn(env); err != nil {
		s.logger.Error("Pub/sub handler failed",
			zap.String("channel", channel),
			zap.Uint64("handler", h.id),
			zap.Error(err))
	}
}
