package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"concierge-intercom/internal/domain/call"

	goredis "github.com/redis/go-redis/v9"
)

// Redis key prefixes for the call directory
const (
	callStateKey    = "call:state:"    // JSON ActiveCallRecord per call
	buildingCallKey = "call:building:" // Set of call ids open in a building
)

// DefaultCallTTL keeps an entry past the no-answer window so a caller that
// crashed does not leave it behind for long.
const DefaultCallTTL = 5 * time.Minute

// CallDirectory is the building-wide list of open intercom calls. Callers
// register their outgoing calls; receiving devices read it during recovery.
type CallDirectory struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewCallDirectory(client *goredis.Client, ttl time.Duration) *CallDirectory {
	if ttl <= 0 {
		ttl = DefaultCallTTL
	}
	return &CallDirectory{client: client, ttl: ttl}
}

// Register stores rec and indexes it under its building.
func (d *CallDirectory) Register(ctx context.Context, rec call.ActiveCallRecord) error {
	if rec.CallID == "" || rec.BuildingID == "" {
		return fmt.Errorf("register call: call id and building id are required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	setKey := buildingCallKey + rec.BuildingID
	pipe := d.client.TxPipeline()
	pipe.Set(ctx, callStateKey+rec.CallID, data, d.ttl)
	pipe.SAdd(ctx, setKey, rec.CallID)
	pipe.Expire(ctx, setKey, d.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Remove deletes a call from the directory. Removing an unknown call is not
// an error.
func (d *CallDirectory) Remove(ctx context.Context, buildingID, callID string) error {
	pipe := d.client.TxPipeline()
	pipe.Del(ctx, callStateKey+callID)
	if buildingID != "" {
		pipe.SRem(ctx, buildingCallKey+buildingID, callID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the stored record, or nil when the call is not registered.
func (d *CallDirectory) Get(ctx context.Context, callID string) (*call.ActiveCallRecord, error) {
	data, err := d.client.Get(ctx, callStateKey+callID).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec call.ActiveCallRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ActiveCalls lists the calls open in a building, oldest first. Index
// entries whose record has expired are pruned on the way.
func (d *CallDirectory) ActiveCalls(ctx context.Context, buildingID string) ([]call.ActiveCallRecord, error) {
	setKey := buildingCallKey + buildingID
	ids, err := d.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list building calls: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = callStateKey + id
	}
	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load call states: %w", err)
	}

	var out []call.ActiveCallRecord
	var stale []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var rec call.ActiveCallRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, rec)
	}
	if len(stale) > 0 {
		_ = d.client.SRem(ctx, setKey, stale...).Err()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
