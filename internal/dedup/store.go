// Package dedup implements the Dedup Store (§4.1): the single source of
// truth for a message_id's lifecycle, backed by Redis conditional writes.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/zerodha/logf"

	"github.com/nyife/waengine/internal/models"
)

// ErrNotOwner is returned by UpdateStatus when processorID does not match
// the record's current owner (ownership-lost, §7).
var ErrNotOwner = errors.New("dedup: caller is not the record owner")

const keyPrefix = "waengine:dedup:"

func key(messageID string) string {
	return keyPrefix + messageID
}

// Store implements §4.1's four operations against a Redis key per message_id.
// Values are JSON-encoded models.MessageIdRecord; TTL is set on create and
// never refreshed: claim/update carry the remaining TTL over to the rewritten
// value, and create_if_absent's conflict path (webhook replays) leaves it
// untouched, matching the spec's "auto-expires after TTL" invariant.
type Store struct {
	client *redis.Client
	log    logf.Logger

	createScript *redis.Script
	claimScript  *redis.Script
	updateScript *redis.Script
}

// New constructs a Dedup Store over an existing Redis client.
func New(client *redis.Client, log logf.Logger) *Store {
	return &Store{
		client:       client,
		log:          log,
		createScript: redis.NewScript(createIfAbsentLua),
		claimScript:  redis.NewScript(claimLua),
		updateScript: redis.NewScript(updateStatusLua),
	}
}

// CreateResult is the return shape of CreateIfAbsent.
type CreateResult struct {
	IsNew        bool
	ProcessingID string
	Status       models.DedupStatus
	WebhookCount int
}

// createIfAbsentLua performs the conditional write atomically: SETNX the
// record; on conflict, read the existing record and bump webhook_count.
const createIfAbsentLua = `
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
local existing = redis.call('GET', key)
if existing == false then
  redis.call('SET', key, ARGV[2], 'EX', ttl)
  return {1, ARGV[2]}
else
  local count = redis.call('HINCRBY', key .. ':meta', 'webhook_count', 1)
  return {0, existing}
end
`

// CreateIfAbsent implements §4.1 create_if_absent. The webhook_count counter
// lives in a companion hash key so that the primary record value itself
// (containing status/processor_id/etc.) is only ever written once by the
// winning creator, matching "first success is the sole authoritative
// creation".
func (s *Store) CreateIfAbsent(ctx context.Context, messageID string, ttl time.Duration) (CreateResult, error) {
	now := time.Now().UTC()
	rec := models.MessageIdRecord{
		MessageID:    messageID,
		Status:       models.DedupStatusReceived,
		ProcessingID: uuid.NewString(),
		CreatedAt:    now,
		UpdatedAt:    now,
		WebhookCount: 1,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return CreateResult{}, fmt.Errorf("dedup: marshal new record: %w", err)
	}

	res, err := s.createScript.Run(ctx, s.client, []string{key(messageID)}, int(ttl.Seconds()), string(payload)).Result()
	if err != nil {
		return CreateResult{}, fmt.Errorf("dedup: create_if_absent: %w", err)
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return CreateResult{}, fmt.Errorf("dedup: unexpected script result shape")
	}
	isNew, _ := arr[0].(int64)
	if isNew == 1 {
		count, _ := s.client.HGet(ctx, key(messageID)+":meta", "webhook_count").Int()
		if count == 0 {
			s.client.HSet(ctx, key(messageID)+":meta", "webhook_count", 1)
			s.client.Expire(ctx, key(messageID)+":meta", ttl)
			count = 1
		}
		return CreateResult{
			IsNew:        true,
			ProcessingID: rec.ProcessingID,
			Status:       rec.Status,
			WebhookCount: count,
		}, nil
	}

	existingRaw, _ := arr[1].(string)
	var existing models.MessageIdRecord
	if err := json.Unmarshal([]byte(existingRaw), &existing); err != nil {
		return CreateResult{}, fmt.Errorf("dedup: unmarshal existing record: %w", err)
	}
	count, _ := s.client.HGet(ctx, key(messageID)+":meta", "webhook_count").Int()
	return CreateResult{
		IsNew:        false,
		ProcessingID: existing.ProcessingID,
		Status:       existing.Status,
		WebhookCount: count,
	}, nil
}

// claimLua sets status=processing and processor_id iff status==received and
// processor_id is absent.
const claimLua = `
local key = KEYS[1]
local raw = redis.call('GET', key)
if raw == false then
  return 0
end
local rec = cjson.decode(raw)
if rec.status ~= 'received' or (rec.processor_id ~= nil and rec.processor_id ~= '') then
  return 0
end
rec.status = 'processing'
rec.processor_id = ARGV[1]
rec.updated_at = ARGV[2]
local ttl = redis.call('TTL', key)
redis.call('SET', key, cjson.encode(rec))
if ttl > 0 then
  redis.call('EXPIRE', key, ttl)
end
return 1
`

// Claim implements §4.1 claim.
func (s *Store) Claim(ctx context.Context, messageID, processorID string) (bool, error) {
	res, err := s.claimScript.Run(ctx, s.client, []string{key(messageID)}, processorID, time.Now().UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: claim: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// UpdateOpts carries the optional error/result fields for UpdateStatus.
type UpdateOpts struct {
	Error  string
	Result string
}

// updateStatusLua succeeds iff the existing processor_id matches ARGV[1].
const updateStatusLua = `
local key = KEYS[1]
local raw = redis.call('GET', key)
if raw == false then
  return 0
end
local rec = cjson.decode(raw)
if rec.processor_id ~= ARGV[1] then
  return 0
end
rec.status = ARGV[2]
rec.updated_at = ARGV[3]
if ARGV[4] ~= '' then rec.error = ARGV[4] end
if ARGV[5] ~= '' then rec.result = ARGV[5] end
local ttl = redis.call('TTL', key)
redis.call('SET', key, cjson.encode(rec))
if ttl > 0 then
  redis.call('EXPIRE', key, ttl)
end
return 1
`

// UpdateStatus implements §4.1 update_status. Returns ErrNotOwner distinctly
// from a transport error so callers can apply §7's ownership-lost policy.
func (s *Store) UpdateStatus(ctx context.Context, messageID string, newStatus models.DedupStatus, processorID string, opts UpdateOpts) error {
	res, err := s.updateScript.Run(ctx, s.client, []string{key(messageID)},
		processorID, string(newStatus), time.Now().UTC().Format(time.RFC3339Nano), opts.Error, opts.Result,
	).Result()
	if err != nil {
		return fmt.Errorf("dedup: update_status: %w", err)
	}
	n, _ := res.(int64)
	if n != 1 {
		return ErrNotOwner
	}
	return nil
}

// Exists implements §4.1 exists with a strongly consistent EXISTS on the
// record key.
func (s *Store) Exists(ctx context.Context, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, key(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: exists: %w", err)
	}
	return n > 0, nil
}
