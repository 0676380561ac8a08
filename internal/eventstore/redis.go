package eventstore

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gaspardpetit/mcpcalc/internal/metrics"
)

const (
	defaultRedisPrefix = "mcpcalc:stream:"
	replayPageSize     = 256
)

// RedisOptions tunes a RedisStore.
type RedisOptions struct {
	// Prefix namespaces every key; defaults to "mcpcalc:stream:".
	Prefix string
	// MaxEvents bounds each stream; <= 0 keeps everything.
	MaxEvents int
	// TTL expires idle streams; 0 disables expiry.
	TTL time.Duration
}

// RedisStore keeps each stream in a sorted set scored by position, with the
// head and retention floor in companion keys. Writers for a stream are
// serialized in-process and each append lands in a single MULTI/EXEC.
//
// The store remembers the last position it assigned per stream. If the keys
// expire while the stream is still in use, numbering continues from that
// position and the lost range reads as a replay gap.
type RedisStore struct {
	client redis.UniversalClient
	opts   RedisOptions

	mu      sync.Mutex
	streams map[string]*redisStream
}

type redisStream struct {
	mu   sync.Mutex
	head atomic.Uint64
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, opts: opts, streams: map[string]*redisStream{}}
}

// DialRedis connects to addr, verifies the connection and returns a store.
func DialRedis(ctx context.Context, addr string, opts RedisOptions) (*RedisStore, error) {
	uo, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(uo)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(c, opts), nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) eventsKey(id string) string { return r.opts.Prefix + id + ":events" }
func (r *RedisStore) headKey(id string) string   { return r.opts.Prefix + id + ":head" }
func (r *RedisStore) floorKey(id string) string  { return r.opts.Prefix + id + ":floor" }

func (r *RedisStore) stream(id string) *redisStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.streams[id]
	if st == nil {
		st = &redisStream{}
		r.streams[id] = st
	}
	return st
}

// known returns the last position this process assigned to id.
func (r *RedisStore) known(id string) uint64 {
	r.mu.Lock()
	st := r.streams[id]
	r.mu.Unlock()
	if st == nil {
		return 0
	}
	return st.head.Load()
}

func (r *RedisStore) getUint(ctx context.Context, key string) (uint64, error) {
	v, err := r.client.Get(ctx, key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// bounds returns the head and retention floor of a stream. Keys that expired
// behind a known head leave everything up to that head trimmed.
func (r *RedisStore) bounds(ctx context.Context, id string) (head, floor uint64, err error) {
	if head, err = r.getUint(ctx, r.headKey(id)); err != nil {
		return 0, 0, fmt.Errorf("read head: %w", err)
	}
	if floor, err = r.getUint(ctx, r.floorKey(id)); err != nil {
		return 0, 0, fmt.Errorf("read floor: %w", err)
	}
	if known := r.known(id); head < known {
		head = known
		floor = max(floor, known)
	}
	return head, floor, nil
}

// Append implements Store.
func (r *RedisStore) Append(ctx context.Context, streamID string, kind Kind, payload json.RawMessage) (Event, error) {
	if streamID == "" {
		return Event{}, ErrInvalidStream
	}
	st := r.stream(streamID)
	st.mu.Lock()
	defer st.mu.Unlock()

	head, floor, err := r.bounds(ctx, streamID)
	if err != nil {
		return Event{}, err
	}
	ev := Event{StreamID: streamID, Position: head + 1, Kind: kind, Payload: payload}
	member, err := json.Marshal(ev)
	if err != nil {
		return Event{}, err
	}
	ek, hk, fk := r.eventsKey(streamID), r.headKey(streamID), r.floorKey(streamID)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, ek, redis.Z{Score: float64(ev.Position), Member: member})
		p.Set(ctx, hk, ev.Position, r.opts.TTL)
		if limit := uint64(r.opts.MaxEvents); limit > 0 && ev.Position > limit {
			floor = max(floor, ev.Position-limit)
		}
		if floor > 0 {
			p.ZRemRangeByScore(ctx, ek, "-inf", strconv.FormatUint(floor, 10))
			p.Set(ctx, fk, floor, r.opts.TTL)
		}
		if r.opts.TTL > 0 {
			p.Expire(ctx, ek, r.opts.TTL)
		}
		return nil
	})
	if err != nil {
		return Event{}, fmt.Errorf("append: %w", err)
	}
	st.head.Store(ev.Position)
	metrics.EventAppended(string(kind))
	return ev, nil
}

// Replay implements Store. Pages are read lazily; a page that does not
// continue from the previous position yields ErrReplayGap instead of
// skipping events trimmed mid-replay.
func (r *RedisStore) Replay(ctx context.Context, streamID string, after uint64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		_, floor, err := r.bounds(ctx, streamID)
		if err != nil {
			yield(Event{}, err)
			return
		}
		if after < floor {
			yield(Event{}, ErrReplayGap)
			return
		}
		last := after
		for {
			members, err := r.client.ZRangeByScore(ctx, r.eventsKey(streamID), &redis.ZRangeBy{
				Min:   "(" + strconv.FormatUint(last, 10),
				Max:   "+inf",
				Count: replayPageSize,
			}).Result()
			if err != nil {
				yield(Event{}, err)
				return
			}
			for _, m := range members {
				var ev Event
				if err := json.Unmarshal([]byte(m), &ev); err != nil {
					yield(Event{}, fmt.Errorf("decode event: %w", err))
					return
				}
				if ev.Position != last+1 {
					yield(Event{}, ErrReplayGap)
					return
				}
				if !yield(ev, nil) {
					return
				}
				last = ev.Position
			}
			if len(members) < replayPageSize {
				return
			}
		}
	}
}

// Head implements Store.
func (r *RedisStore) Head(ctx context.Context, streamID string) (uint64, error) {
	head, _, err := r.bounds(ctx, streamID)
	return head, err
}

// Touch implements Store by pushing back the expiry of the stream's keys.
func (r *RedisStore) Touch(ctx context.Context, streamID string) error {
	if r.opts.TTL <= 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Expire(ctx, r.eventsKey(streamID), r.opts.TTL)
		p.Expire(ctx, r.headKey(streamID), r.opts.TTL)
		p.Expire(ctx, r.floorKey(streamID), r.opts.TTL)
		return nil
	})
	return err
}

// Purge implements Store. A purged stream starts again from position 1.
func (r *RedisStore) Purge(ctx context.Context, streamID string) error {
	st := r.stream(streamID)
	st.mu.Lock()
	err := r.client.Del(ctx, r.eventsKey(streamID), r.headKey(streamID), r.floorKey(streamID)).Err()
	st.mu.Unlock()
	r.mu.Lock()
	delete(r.streams, streamID)
	r.mu.Unlock()
	return err
}

// parseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel deployments. Without a scheme addr is a plain host:port.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	db := func(s string) error {
		if s == "" {
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("redis: invalid db: %v", err)
		}
		opts.DB = n
		return nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		path := strings.TrimPrefix(u.Path, "/")
		if path == "" {
			path = q.Get("db")
		}
		if err := db(path); err != nil {
			return nil, err
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if err := db(q.Get("db")); err != nil {
			return nil, err
		}
		opts.SentinelUsername = q.Get("sentinel_username")
		opts.SentinelPassword = q.Get("sentinel_password")
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}
	return opts, nil
}
