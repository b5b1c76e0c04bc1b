// Package redis implements the storage.Backend contract against Redis,
// the production backend. Metadata append, schedule insert and close,
// lease acquire/renew/remove and next_run each execute as a single
// server-side Lua script so concurrent agents across processes never
// observe them partially applied. Schedule fusing is the exception: it
// runs as a read-then-write sequence before the insert script (see
// AddSchedule), so it is not atomic with the insert.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"skeenode/engine"
	"skeenode/pkg/resilience"
	"skeenode/pkg/storage"
)

const (
	basePrefix = "substantial"
	separator  = ":/"
	timeLayout = time.RFC3339Nano
)

// Backend is the Redis-backed storage.Backend. breaker guards the
// agent's hot polling path (next_run, lease acquire/renew)
// against a degraded Redis: once it trips, an agent's poll loop gets
// back ErrCircuitOpen immediately instead of piling up slow timeouts,
// and logs/continues per the engine's backend-error policy.
type Backend struct {
	client  *goredis.Client
	breaker *resilience.CircuitBreaker
}

// New connects to addr and verifies reachability with a PING.
func New(addr string, opts ...func(*goredis.Options)) (*Backend, error) {
	o := &goredis.Options{Addr: addr}
	for _, opt := range opts {
		opt(o)
	}
	client := goredis.NewClient(o)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis: connect: %w", err)
	}
	breaker := resilience.NewCircuitBreaker("redis-backend", resilience.DefaultCircuitBreakerConfig())
	return &Backend{client: client, breaker: breaker}, nil
}

// Close implements storage.Backend.
func (b *Backend) Close() error { return b.client.Close() }

func (b *Backend) key(parts ...string) string {
	return basePrefix + separator + strings.Join(parts, separator)
}

// ReadEvents implements storage.Backend.
func (b *Backend) ReadEvents(ctx context.Context, runID string) ([]engine.Event, error) {
	val, err := b.client.Get(ctx, b.key("runs", runID, "events")).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get events: %w", err)
	}
	var events []engine.Event
	if len(val) > 0 {
		if err := json.Unmarshal([]byte(val), &events); err != nil {
			return nil, fmt.Errorf("redis: decode events: %w", err)
		}
	}
	return events, nil
}

// WriteEvents implements storage.Backend.
func (b *Backend) WriteEvents(ctx context.Context, runID string, events []engine.Event) error {
	raw, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("redis: encode events: %w", err)
	}
	if err := b.client.Set(ctx, b.key("runs", runID, "events"), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis: set events: %w", err)
	}
	return nil
}

// ReadAllMetadata implements storage.Backend.
func (b *Backend) ReadAllMetadata(ctx context.Context, runID string) ([]engine.Metadata, error) {
	logKey := b.key("runs", runID, "logs")
	schedKeys, err := b.client.LRange(ctx, logKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: lrange logs: %w", err)
	}
	if len(schedKeys) == 0 {
		return nil, nil
	}
	vals, err := b.client.MGet(ctx, schedKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: mget metadata: %w", err)
	}
	// LPUSH prepends, so schedKeys is newest-first; reverse to oldest-first.
	out := make([]engine.Metadata, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		s, ok := vals[i].(string)
		if !ok || s == "" {
			continue
		}
		var m engine.Metadata
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("redis: decode metadata: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

var appendMetadataScript = goredis.NewScript(`
local log_key = KEYS[1]
local sched_key = KEYS[2]
local content = ARGV[1]

redis.call("LPUSH", log_key, sched_key)
redis.call("SET", sched_key, content)
`)

// AppendMetadata implements storage.Backend.
func (b *Backend) AppendMetadata(ctx context.Context, runID string, schedule time.Time, m engine.Metadata) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("redis: encode metadata: %w", err)
	}
	logKey := b.key("runs", runID, "logs")
	schedKey := b.key(runID, schedule.UTC().Format(timeLayout))
	return appendMetadataScript.Run(ctx, b.client, []string{logKey, schedKey}, string(raw)).Err()
}

var addScheduleScript = goredis.NewScript(`
local q_key = KEYS[1]
local sched_ref = KEYS[2]
local sched_key = KEYS[3]
local sched_score = tonumber(ARGV[1])
local run_id = ARGV[2]
local content = ARGV[3]

redis.call("ZADD", q_key, sched_score, sched_ref)
redis.call("ZADD", sched_ref, sched_score, run_id)
redis.call("SET", sched_key, content)
`)

// AddSchedule implements storage.Backend. Schedule fusing (closing
// earlier bare-replay entries for run_id when a real payload arrives)
// is performed as an ordinary read-then-write sequence before the
// atomic insert rather than inside one script: the window this opens
// is self-healing, since a bare entry left unclosed by a race is just
// one extra harmless replay, picked up and closed like any other.
func (b *Backend) AddSchedule(ctx context.Context, queue, runID string, schedule time.Time, payload *engine.Event) error {
	content := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("redis: encode schedule payload: %w", err)
		}
		content = string(raw)
		if err := b.closeBareReplaysBefore(ctx, queue, runID, schedule); err != nil {
			return err
		}
	}

	qKey := b.key("schedules", queue)
	iso := schedule.UTC().Format(timeLayout)
	schedKey := b.key(iso, runID)
	schedRef := b.key("ref_", runID, iso)

	return addScheduleScript.Run(ctx, b.client,
		[]string{qKey, schedRef, schedKey},
		schedule.UTC().UnixMilli(), runID, content,
	).Err()
}

func (b *Backend) closeBareReplaysBefore(ctx context.Context, queue, runID string, before time.Time) error {
	qKey := b.key("schedules", queue)
	refs, err := b.client.ZRange(ctx, qKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis: scan schedule refs: %w", err)
	}
	prefix := b.key("ref_", runID) + separator
	for _, ref := range refs {
		if !strings.HasPrefix(ref, prefix) {
			continue
		}
		iso := strings.TrimPrefix(ref, prefix)
		ts, err := time.Parse(timeLayout, iso)
		if err != nil || !ts.Before(before) {
			continue
		}
		schedKey := b.key(iso, runID)
		content, err := b.client.Get(ctx, schedKey).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis: read schedule during fuse: %w", err)
		}
		if content == "" {
			if err := b.CloseSchedule(ctx, queue, runID, ts); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadSchedule implements storage.Backend.
func (b *Backend) ReadSchedule(ctx context.Context, queue, runID string, schedule time.Time) (*engine.Event, error) {
	schedKey := b.key(schedule.UTC().Format(timeLayout), runID)
	val, err := b.client.Get(ctx, schedKey).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get schedule: %w", err)
	}
	if val == "" {
		return nil, nil
	}
	var e engine.Event
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return nil, fmt.Errorf("redis: decode schedule: %w", err)
	}
	return &e, nil
}

var closeScheduleScript = goredis.NewScript(`
local q_key = KEYS[1]
local sched_ref = KEYS[2]
local sched_key = KEYS[3]
local run_id = ARGV[1]

redis.call("ZREM", q_key, sched_ref)
redis.call("ZREM", sched_ref, run_id)
redis.call("DEL", sched_key)
`)

// CloseSchedule implements storage.Backend.
func (b *Backend) CloseSchedule(ctx context.Context, queue, runID string, schedule time.Time) error {
	qKey := b.key("schedules", queue)
	iso := schedule.UTC().Format(timeLayout)
	schedKey := b.key(iso, runID)
	schedRef := b.key("ref_", runID, iso)
	return closeScheduleScript.Run(ctx, b.client, []string{qKey, schedRef, schedKey}, runID).Err()
}

var nextRunScript = goredis.NewScript(`
local q_key = KEYS[1]
local excludes = ARGV
local schedule_refs = redis.call("ZRANGE", q_key, 0, -1)

for _, schedule_ref in ipairs(schedule_refs) do
    local run_ids = redis.call("ZRANGE", schedule_ref, 0, -1)
    for _, run_id in ipairs(run_ids) do
        local is_excluded = false
        for k = 1, #excludes do
            if run_id == excludes[k] then
                is_excluded = true
                break
            end
        end
        if not is_excluded then
            return {run_id, schedule_ref}
        end
    end
end

return nil
`)

// NextRun implements storage.Backend.
func (b *Backend) NextRun(ctx context.Context, queue string, excludes map[string]struct{}) (string, time.Time, bool, error) {
	qKey := b.key("schedules", queue)
	args := make([]interface{}, 0, len(excludes))
	for runID := range excludes {
		args = append(args, runID)
	}
	var res interface{}
	err := b.breaker.Execute(ctx, func() error {
		var runErr error
		res, runErr = nextRunScript.Run(ctx, b.client, []string{qKey}, args...).Result()
		return runErr
	})
	if errors.Is(err, goredis.Nil) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("redis: next_run: %w", err)
	}
	if res == nil {
		return "", time.Time{}, false, nil
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return "", time.Time{}, false, nil
	}
	runID, _ := pair[0].(string)
	schedRef, _ := pair[1].(string)
	parts := strings.Split(strings.TrimPrefix(schedRef, basePrefix+separator), separator)
	iso := parts[len(parts)-1]
	ts, err := time.Parse(timeLayout, iso)
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("redis: parse schedule ref %q: %w", schedRef, err)
	}
	return runID, ts, true, nil
}

var activeLeasesScript = goredis.NewScript(`
local all_leases_key = KEYS[1]
local lease_refs = redis.call("ZRANGE", all_leases_key, 0, -1)
local results = {}
for i, lease_ref in ipairs(lease_refs) do
    local exp_time = redis.call("GET", lease_ref)
    table.insert(results, lease_ref)
    table.insert(results, exp_time)
end
return results
`)

// ActiveLeases implements storage.Backend.
func (b *Backend) ActiveLeases(ctx context.Context, _ int) (map[string]struct{}, error) {
	allLeasesKey := b.key("leases")
	res, err := activeLeasesScript.Run(ctx, b.client, []string{allLeasesKey}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: active_leases: %w", err)
	}
	flat, ok := res.([]interface{})
	if !ok {
		return map[string]struct{}{}, nil
	}
	now := time.Now().UTC()
	active := map[string]struct{}{}
	for i := 0; i+1 < len(flat); i += 2 {
		leaseRef, _ := flat[i].(string)
		expStr, _ := flat[i+1].(string)
		if expStr == "" {
			continue
		}
		exp, err := time.Parse(timeLayout, expStr)
		if err != nil || !exp.After(now) {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(leaseRef, basePrefix+separator), separator)
		active[parts[len(parts)-1]] = struct{}{}
	}
	return active, nil
}

// acquireLeaseScript checks and sets a lease in one atomic round trip:
// two concurrent callers must never both observe the lease as free,
// which a separate check-then-set pair of scripts cannot guarantee.
// The lease key's own Redis TTL (set with PX below) is the sole
// authority on whether it is still held, so the check here is a plain
// EXISTS rather than a timestamp comparison: Redis expires the key
// itself, so there is no clock-skew or string-ordering hazard to
// reason about.
var acquireLeaseScript = goredis.NewScript(`
local all_leases_key = KEYS[1]
local lease_ref = KEYS[2]
local lease_exp = ARGV[1]
local ttl_ms = ARGV[2]

if redis.call("EXISTS", lease_ref) == 1 then
    if redis.call("ZRANK", all_leases_key, lease_ref) == false then
        error("integrity failure: lease ref " .. lease_ref .. " is not an element of " .. all_leases_key)
    end
    return 0
end

redis.call("ZADD", all_leases_key, 0, lease_ref)
redis.call("SET", lease_ref, lease_exp, "PX", ttl_ms)
return 1
`)

// AcquireLease implements storage.Backend.
func (b *Backend) AcquireLease(ctx context.Context, runID string, leaseSeconds int) (bool, error) {
	allLeasesKey := b.key("leases")
	leaseRef := b.key("lease", runID)
	now := time.Now().UTC()
	ttl := time.Duration(leaseSeconds) * time.Second
	leaseExp := now.Add(ttl).Format(timeLayout)

	var res interface{}
	err := b.breaker.Execute(ctx, func() error {
		var runErr error
		res, runErr = acquireLeaseScript.Run(ctx, b.client, []string{allLeasesKey, leaseRef}, leaseExp, ttl.Milliseconds()).Result()
		return runErr
	})
	if err != nil {
		if strings.Contains(err.Error(), "integrity failure") {
			return false, fmt.Errorf("redis: %w: %s", storage.ErrIntegrity, err.Error())
		}
		return false, fmt.Errorf("redis: acquire lease: %w", err)
	}

	n, _ := res.(int64)
	return n == 1, nil
}

var renewLeaseScript = goredis.NewScript(`
local lease_ref = KEYS[1]
local new_lease_exp = ARGV[1]
local ttl_ms = ARGV[2]
if redis.call("EXISTS", lease_ref) == 1 then
    redis.call("SET", lease_ref, new_lease_exp, "PX", ttl_ms)
    return 1
else
    return 0
end
`)

// RenewLease implements storage.Backend.
func (b *Backend) RenewLease(ctx context.Context, runID string, leaseSeconds int) (bool, error) {
	leaseRef := b.key("lease", runID)
	ttl := time.Duration(leaseSeconds) * time.Second
	newExp := time.Now().UTC().Add(ttl).Format(timeLayout)
	var res interface{}
	err := b.breaker.Execute(ctx, func() error {
		var runErr error
		res, runErr = renewLeaseScript.Run(ctx, b.client, []string{leaseRef}, newExp, ttl.Milliseconds()).Result()
		return runErr
	})
	if err != nil {
		return false, fmt.Errorf("redis: renew lease: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

var removeLeaseScript = goredis.NewScript(`
local all_leases_key = KEYS[1]
local lease_ref = KEYS[2]
redis.call("ZREM", all_leases_key, lease_ref)
redis.call("DEL", lease_ref)
`)

// RemoveLease implements storage.Backend.
func (b *Backend) RemoveLease(ctx context.Context, runID string) error {
	allLeasesKey := b.key("leases")
	leaseRef := b.key("lease", runID)
	return removeLeaseScript.Run(ctx, b.client, []string{allLeasesKey, leaseRef}).Err()
}

// ReadWorkflowLinks implements storage.Backend.
func (b *Backend) ReadWorkflowLinks(ctx context.Context, workflowID string) ([]string, error) {
	linksKey := b.key("links", "runs", workflowID)
	ids, err := b.client.ZRange(ctx, linksKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read workflow links: %w", err)
	}
	return ids, nil
}

// WriteWorkflowLink implements storage.Backend.
func (b *Backend) WriteWorkflowLink(ctx context.Context, workflowID, runID string) error {
	linksKey := b.key("links", "runs", workflowID)
	if err := b.client.ZAdd(ctx, linksKey, goredis.Z{Score: 0, Member: runID}).Err(); err != nil {
		return fmt.Errorf("redis: write workflow link: %w", err)
	}
	return nil
}

var _ storage.Backend = (*Backend)(nil)
