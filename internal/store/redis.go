package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"nostr-sync/internal/types"
)

// scanPage is how many ids QueryLocal reads from the time index per round trip
const scanPage = 256

// Keeps only the newest metadata id for a pubkey. The value is "created_at:id".
var setProfile = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ts = tonumber(string.match(cur, '^(%d+):'))
  if ts and ts >= tonumber(ARGV[1]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1] .. ':' .. ARGV[2])
return 1
`)

// RedisStore implements Store on Redis. Events are JSON strings under
// event:<id>, indexed by created_at in the events sorted set.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis
// URL format: redis://[:password@]host:port/db
func NewRedisStore(redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	slog.Info("redis store connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) eventKey(id string) string   { return r.prefix + "event:" + id }
func (r *RedisStore) profileKey(pk string) string { return r.prefix + "profile:" + pk }
func (r *RedisStore) indexKey() string            { return r.prefix + "events" }

// Ingest relies on SETNX so only one concurrent writer of an id sees New
func (r *RedisStore) Ingest(ctx context.Context, evt *types.Event) (Result, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	created, err := r.client.SetNX(ctx, r.eventKey(evt.ID), data, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("store event: %w", err)
	}
	if !created {
		return Duplicate, nil
	}

	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(evt.CreatedAt), Member: evt.ID})
	if evt.Kind == types.KindMetadata {
		setProfile.Eval(ctx, pipe, []string{r.profileKey(evt.PubKey)}, evt.CreatedAt, evt.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return New, fmt.Errorf("index event: %w", err)
	}
	return New, nil
}

func (r *RedisStore) HasEvent(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.eventKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisStore) HasProfile(ctx context.Context, pubkey string) (bool, error) {
	n, err := r.client.Exists(ctx, r.profileKey(pubkey)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*types.Event, error) {
	data, err := r.client.Get(ctx, r.eventKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var evt types.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", id, err)
	}
	return &evt, nil
}

// QueryLocal pages through the time index newest first. Filters that name
// ids directly are served with a single MGET instead.
func (r *RedisStore) QueryLocal(ctx context.Context, filters []types.Filter) (iter.Seq[*types.Event], error) {
	if len(filters) == 0 {
		return seq(ctx, nil), nil
	}
	sel := newSelector(filters)

	if ids, ok := idsOnly(filters); ok {
		events, err := r.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		slices.SortFunc(events, newestFirst)
		return seq(ctx, slices.DeleteFunc(events, func(evt *types.Event) bool {
			return !sel.take(evt)
		})), nil
	}

	since, until := timeBounds(filters)
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: scanPage}
	if since != nil {
		rng.Min = strconv.FormatInt(*since, 10)
	}
	if until != nil {
		rng.Max = strconv.FormatInt(*until, 10)
	}

	var out []*types.Event
	for !sel.done() {
		ids, err := r.client.ZRevRangeByScore(ctx, r.indexKey(), rng).Result()
		if err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		events, err := r.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		// members sharing a score come back in reverse lexicographic order,
		// which is already id descending
		for _, evt := range events {
			if sel.take(evt) {
				out = append(out, evt)
			}
		}
		if len(ids) < scanPage {
			break
		}
		rng.Offset += scanPage
	}
	return seq(ctx, out), nil
}

// load fetches events by id, skipping ids that vanished or do not decode
func (r *RedisStore) load(ctx context.Context, ids []string) ([]*types.Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.eventKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	events := make([]*types.Event, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var evt types.Event
		if err := json.Unmarshal([]byte(str), &evt); err != nil {
			slog.Warn("redis store: undecodable event", "id", ids[i], "error", err)
			continue
		}
		events = append(events, &evt)
	}
	return events, nil
}

// idsOnly collects the ids when every filter is an id lookup
func idsOnly(filters []types.Filter) ([]string, bool) {
	var ids []string
	for _, f := range filters {
		if len(f.IDs) == 0 {
			return nil, false
		}
		ids = append(ids, f.IDs...)
	}
	slices.Sort(ids)
	return slices.Compact(ids), true
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
