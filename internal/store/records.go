package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	recordConversation  = "conversation"
	indexConversations  = "conversations"
	recordAgentState    = "agent_state"
	tsLayout            = "2006-01-02T15:04:05.000000"
	ChannelConversation = "conversation_stored"
	ChannelAgentState   = "agent_state_updated"
)

// AgentState is the last-write-wins record kept per entity
type AgentState struct {
	AgentID   string                 `json:"agent_id"`
	Timestamp time.Time              `json:"timestamp"`
	State     map[string]interface{} `json:"state"`
}

// Decode unmarshals the state map into v
func (a *AgentState) Decode(v interface{}) error {
	raw, err := json.Marshal(a.State)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// nextTimestamp returns a timestamp strictly after the previous one. Caller holds dataMu.
func (s *Store) nextTimestamp() time.Time {
	ts := s.now().UTC().Truncate(time.Microsecond)
	if !ts.After(s.lastTS) {
		ts = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = ts
	return ts
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// StoreConversation writes payload under {prefix}:conversation:{id}:{ts} and indexes it
// by time. ttl <= 0 uses the configured default.
func (s *Store) StoreConversation(ctx context.Context, id string, payload map[string]interface{}, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	if !s.ensure(ctx, "store_conversation") {
		return false
	}

	ts := s.nextTimestamp()
	stamp := ts.Format(tsLayout)
	key := s.Key(recordConversation, id, stamp)

	record := make(map[string]interface{}, len(payload)+3)
	for k, v := range payload {
		record[k] = v
	}
	record["agent_id"] = id
	record["timestamp"] = stamp
	record["ttl"] = int64(ttl / time.Second)

	data, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("Failed to serialize conversation", zap.String("id", id), zap.Error(err))
		return false
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	index := s.Key(indexConversations, id)
	_, err = s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Set(opCtx, key, data, ttl)
		pipe.ZAdd(opCtx, index, &redis.Z{Score: score(ts), Member: key})
		pipe.Expire(opCtx, index, ttl)
		return nil
	})
	if err != nil {
		s.fail("store_conversation", err)
		return false
	}

	s.publish(ctx, ChannelConversation, map[string]interface{}{
		"agent_id":  id,
		"key":       key,
		"timestamp": stamp,
	})
	return true
}

// ConversationHistory returns up to limit records for id, newest first, optionally
// bounded to [start, end]. Zero times leave that side open.
func (s *Store) ConversationHistory(ctx context.Context, id string, limit int, start, end time.Time) []map[string]interface{} {
	if limit <= 0 {
		limit = 100
	}
	if !s.ensure(ctx, "get_conversations") {
		return []map[string]interface{}{}
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Offset: 0, Count: int64(limit)}
	if !start.IsZero() {
		rng.Min = strconv.FormatInt(start.UnixMicro(), 10)
	}
	if !end.IsZero() {
		rng.Max = strconv.FormatInt(end.UnixMicro(), 10)
	}

	index := s.Key(indexConversations, id)
	keys, err := s.client.ZRevRangeByScore(opCtx, index, rng).Result()
	if err != nil {
		s.fail("get_conversations", err)
		return []map[string]interface{}{}
	}
	if len(keys) == 0 {
		return []map[string]interface{}{}
	}

	values, err := s.client.MGet(opCtx, keys...).Result()
	if err != nil {
		s.fail("get_conversations", err)
		return []map[string]interface{}{}
	}

	history := make([]map[string]interface{}, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, keys[i])
			continue
		}
		var record map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			s.logger.Error("Skipping malformed conversation record", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		history = append(history, record)
	}

	if len(stale) > 0 {
		if err := s.client.ZRem(opCtx, index, stale...).Err(); err != nil {
			s.fail("prune_conversations", err)
		}
	}
	return history
}

// StoreAgentState replaces the state record of id. ttl <= 0 means no expiry.
func (s *Store) StoreAgentState(ctx context.Context, id string, state map[string]interface{}, ttl time.Duration) bool {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	if !s.ensure(ctx, "store_agent_state") {
		return false
	}
	return s.storeAgentState(ctx, id, state, ttl)
}

// storeAgentState writes the record. Caller holds dataMu and has checked the connection.
func (s *Store) storeAgentState(ctx context.Context, id string, state map[string]interface{}, ttl time.Duration) bool {
	if ttl < 0 {
		ttl = 0
	}

	record := AgentState{AgentID: id, Timestamp: s.now().UTC(), State: state}
	data, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("Failed to serialize agent state", zap.String("id", id), zap.Error(err))
		return false
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Set(opCtx, s.Key(recordAgentState, id), data, ttl).Err(); err != nil {
		s.fail("store_agent_state", err)
		return false
	}

	s.publish(ctx, ChannelAgentState, map[string]interface{}{
		"agent_id":  id,
		"timestamp": record.Timestamp,
	})
	return true
}

// AgentState returns the stored record for id; ok is false when absent, malformed or unreachable
func (s *Store) AgentState(ctx context.Context, id string) (*AgentState, bool) {
	if !s.ensure(ctx, "get_agent_state") {
		return nil, false
	}
	return s.agentState(ctx, id)
}

// agentState reads the record without a connection check
func (s *Store) agentState(ctx context.Context, id string) (*AgentState, bool) {
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	raw, err := s.client.Get(opCtx, s.Key(recordAgentState, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		s.fail("get_agent_state", err)
		return nil, false
	}

	var record AgentState
	if err := json.Unmarshal(raw, &record); err != nil {
		s.logger.Error("Skipping malformed agent state", zap.String("id", id), zap.Error(err))
		return nil, false
	}
	return &record, true
}

// UpdateAgentState merges partial into the stored state map and writes it back
func (s *Store) UpdateAgentState(ctx context.Context, id string, partial map[string]interface{}, ttl time.Duration) bool {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	if !s.ensure(ctx, "update_agent_state") {
		return false
	}

	merged := make(map[string]interface{})
	if current, ok := s.agentState(ctx, id); ok {
		for k, v := range current.State {
			merged[k] = v
		}
	}
	for k, v := range partial {
		merged[k] = v
	}
	return s.storeAgentState(ctx, id, merged, ttl)
}

// StoreRecord writes v as JSON under {prefix}:{recordType}:{id}. ttl <= 0 means no expiry.
func (s *Store) StoreRecord(ctx context.Context, recordType, id string, v interface{}, ttl time.Duration) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to serialize record", zap.String("type", recordType), zap.String("id", id), zap.Error(err))
		return false
	}
	if ttl < 0 {
		ttl = 0
	}

	s.dataMu.Lock()
	defer s.dataMu.Unlock()

	if !s.ensure(ctx, "store_record") {
		return false
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Set(opCtx, s.Key(recordType, id), data, ttl).Err(); err != nil {
		s.fail("store_record", err)
		return false
	}
	return true
}

// LoadRecord decodes the record at {prefix}:{recordType}:{id} into v
func (s *Store) LoadRecord(ctx context.Context, recordType, id string, v interface{}) bool {
	if !s.ensure(ctx, "load_record") {
		return false
	}

	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	raw, err := s.client.Get(opCtx, s.Key(recordType, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		s.fail("load_record", err)
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.logger.Error("Skipping malformed record", zap.String("type", recordType), zap.String("id", id), zap.Error(err))
		return false
	}
	return true
}
