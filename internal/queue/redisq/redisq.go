package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MSR806/writers-llm-backend/internal/queue"
)

// Keyspace, all prefixed with jq:{queue}::
//
//	job:{id}     - job envelope JSON
//	lane:{lane}  - ZSET of queued job ids scored by seq
//	leases       - ZSET of leased job ids scored by lease expiry ms
//	seq          - sequence counter
//
// Claim, renew, release, cancel and reclaim run as server-side scripts so
// they stay atomic across processes sharing one Redis. Scripts report
// outcomes as integer codes rather than error replies, so classification
// does not depend on matching reply strings.

const (
	replyLeaseLost = -1
	replyNotFound  = -2
)

var claimScript = redis.NewScript(`
local prefix = ARGV[1]
for i = 1, #KEYS do
  while true do
    local entry = redis.call('ZRANGE', KEYS[i], 0, 0)
    if #entry == 0 then break end
    local id = entry[1]
    local raw = redis.call('GET', prefix .. 'job:' .. id)
    if not raw then
      redis.call('ZREM', KEYS[i], id)
    else
      local job = cjson.decode(raw)
      if job['state'] ~= 'queued' then
        redis.call('ZREM', KEYS[i], id)
      elseif job['cancel_requested'] then
        redis.call('ZREM', KEYS[i], id)
        job['state'] = 'dead'
        job['error'] = 'cancelled'
        job['updated_at_ms'] = tonumber(ARGV[4])
        redis.call('SET', prefix .. 'job:' .. id, cjson.encode(job))
      else
        redis.call('ZREM', KEYS[i], id)
        job['state'] = 'leased'
        job['attempts'] = job['attempts'] + 1
        job['lease_owner'] = ARGV[2]
        job['lease_expiry_ms'] = tonumber(ARGV[3])
        job['updated_at_ms'] = tonumber(ARGV[4])
        local enc = cjson.encode(job)
        redis.call('SET', prefix .. 'job:' .. id, enc)
        redis.call('ZADD', prefix .. 'leases', tonumber(ARGV[3]), id)
        return enc
      end
    end
  end
end
return false
`)

var renewScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return -1 end
local job = cjson.decode(raw)
if job['state'] ~= 'leased' or job['lease_owner'] ~= ARGV[1]
    or tonumber(job['lease_expiry_ms']) <= tonumber(ARGV[3]) then
  return -1
end
job['lease_expiry_ms'] = tonumber(ARGV[2])
job['updated_at_ms'] = tonumber(ARGV[3])
redis.call('SET', KEYS[1], cjson.encode(job))
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), job['id'])
if job['cancel_requested'] then return 1 end
return 0
`)

var releaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return -1 end
local job = cjson.decode(raw)
if job['state'] ~= 'leased' or job['lease_owner'] ~= ARGV[2]
    or tonumber(job['lease_expiry_ms']) <= tonumber(ARGV[6]) then
  return -1
end
redis.call('ZREM', KEYS[2], job['id'])
job['lease_owner'] = nil
job['lease_expiry_ms'] = nil
job['updated_at_ms'] = tonumber(ARGV[6])
if ARGV[3] == 'success' then
  job['state'] = 'succeeded'
  if ARGV[4] ~= '' then job['result'] = cjson.decode(ARGV[4]) end
elseif ARGV[3] == 'fatal' then
  job['state'] = 'dead'
  job['error'] = ARGV[5]
else
  job['error'] = ARGV[5]
  if job['attempts'] >= tonumber(job['max_attempts']) then
    job['state'] = 'dead'
  else
    job['state'] = 'queued'
    redis.call('ZADD', ARGV[1] .. 'lane:' .. job['lane'], tonumber(job['seq']), job['id'])
  end
end
redis.call('SET', KEYS[1], cjson.encode(job))
return 1
`)

var cancelScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return -2 end
local job = cjson.decode(raw)
if job['state'] == 'succeeded' or job['state'] == 'dead' then return 0 end
job['cancel_requested'] = true
job['updated_at_ms'] = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(job))
return 1
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
local n = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local raw = redis.call('GET', ARGV[1] .. 'job:' .. id)
  if raw then
    local job = cjson.decode(raw)
    if job['state'] == 'leased' and tonumber(job['lease_expiry_ms']) <= tonumber(ARGV[2]) then
      job['lease_owner'] = nil
      job['lease_expiry_ms'] = nil
      job['updated_at_ms'] = tonumber(ARGV[2])
      if job['cancel_requested'] then
        job['state'] = 'dead'
        job['error'] = 'cancelled'
      elseif job['attempts'] >= tonumber(job['max_attempts']) then
        job['state'] = 'dead'
        job['error'] = 'max attempts exhausted: lease expired'
      else
        job['state'] = 'queued'
        redis.call('ZADD', ARGV[1] .. 'lane:' .. job['lane'], tonumber(job['seq']), id)
      end
      redis.call('SET', ARGV[1] .. 'job:' .. id, cjson.encode(job))
      n = n + 1
    end
  end
end
return n
`)

// Store is the Redis-backed queue.Store. Unlike the Pebble backend it is safe
// to share one queue across multiple dispatcher processes.
type Store struct {
	client *redis.Client
	prefix string
}

var _ queue.Store = (*Store)(nil)

// Options configures the Redis backend.
type Options struct {
	Addr     string
	Password string
	DB       int
	Queue    string
}

// Open connects to Redis and verifies the connection with a ping.
func Open(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", queue.ErrStoreUnavailable, opts.Addr, err)
	}
	name := opts.Queue
	if name == "" {
		name = "default"
	}
	return &Store{client: client, prefix: "jq:" + name + ":"}, nil
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) jobKey(id string) string     { return s.prefix + "job:" + id }
func (s *Store) laneKey(l queue.Lane) string { return s.prefix + "lane:" + string(l) }
func (s *Store) leasesKey() string           { return s.prefix + "leases" }
func (s *Store) seqKey() string              { return s.prefix + "seq" }

func nowOr(nowMs int64) int64 {
	if nowMs <= 0 {
		return time.Now().UnixMilli()
	}
	return nowMs
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", queue.ErrStoreUnavailable, op, err)
}

// Enqueue assigns the next sequence and adds j to its lane set.
func (s *Store) Enqueue(ctx context.Context, j *queue.Job) error {
	if !j.Lane.Valid() {
		return fmt.Errorf("redisq: invalid lane %q", j.Lane)
	}
	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return wrapErr("enqueue", err)
	}
	j.Seq = uint64(seq)
	j.State = queue.StateQueued
	if j.EnqueuedAtMs <= 0 {
		j.EnqueuedAtMs = time.Now().UnixMilli()
	}
	j.UpdatedAtMs = j.EnqueuedAtMs

	val, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("redisq: marshal job: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.jobKey(j.ID), val, 0)
	pipe.ZAdd(ctx, s.laneKey(j.Lane), redis.Z{Score: float64(seq), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("enqueue", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*queue.Job, error) {
	raw, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, queue.ErrNotFound
		}
		return nil, wrapErr("get", err)
	}
	var j queue.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("redisq: unmarshal job %s: %w", id, err)
	}
	return &j, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]*queue.Job, error) {
	var jobs []*queue.Job
	iter := s.client.Scan(ctx, 0, s.prefix+"job:*", 100).Iterator()
	for iter.Next(ctx) {
		if limit > 0 && len(jobs) >= limit {
			break
		}
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var j queue.Job
		if err := json.Unmarshal(raw, &j); err != nil {
			continue
		}
		jobs = append(jobs, &j)
	}
	if err := iter.Err(); err != nil {
		return nil, wrapErr("list", err)
	}
	return jobs, nil
}

func (s *Store) Stats(ctx context.Context) (queue.Stats, error) {
	st := queue.Stats{Queued: make(map[queue.Lane]int64, len(queue.Lanes))}
	for _, lane := range queue.Lanes {
		n, err := s.client.ZCard(ctx, s.laneKey(lane)).Result()
		if err != nil {
			return queue.Stats{}, wrapErr("stats", err)
		}
		st.Queued[lane] = n
	}
	now := time.Now().UnixMilli()
	leased, err := s.client.ZCount(ctx, s.leasesKey(), fmt.Sprintf("(%d", now), "+inf").Result()
	if err != nil {
		return queue.Stats{}, wrapErr("stats", err)
	}
	st.Leased = leased
	return st, nil
}

// PeekClaimable returns the oldest job a claim on lane would take without
// mutating state. Plain reads suffice: the answer is advisory and only the
// claim script decides.
func (s *Store) PeekClaimable(ctx context.Context, lane queue.Lane, nowMs int64) (*queue.Job, error) {
	if !lane.Valid() {
		return nil, fmt.Errorf("redisq: invalid lane %q", lane)
	}
	nowMs = nowOr(nowMs)

	var best *queue.Job
	ids, err := s.client.ZRange(ctx, s.laneKey(lane), 0, -1).Result()
	if err != nil {
		return nil, wrapErr("peek", err)
	}
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if j.State == queue.StateQueued && !j.CancelRequested {
			best = j
			break
		}
	}

	expired, err := s.client.ZRangeByScore(ctx, s.leasesKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprint(nowMs),
	}).Result()
	if err != nil {
		return nil, wrapErr("peek", err)
	}
	for _, id := range expired {
		j, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if j.Lane != lane || j.State != queue.StateLeased || j.LeaseExpiryMs > nowMs {
			continue
		}
		// a reclaim would move these to dead, not back to the lane
		if j.CancelRequested || j.Attempts >= j.MaxAttempts {
			continue
		}
		if best == nil || j.Seq < best.Seq {
			best = j
		}
	}
	if best == nil {
		return nil, queue.ErrNoJobAvailable
	}
	return best, nil
}

func (s *Store) Claim(ctx context.Context, workerID string, lanes []queue.Lane, leaseMs, nowMs int64) (*queue.Job, error) {
	nowMs = nowOr(nowMs)
	if leaseMs <= 0 {
		leaseMs = 30_000
	}
	keys := make([]string, 0, len(lanes))
	for _, l := range lanes {
		keys = append(keys, s.laneKey(l))
	}
	raw, err := claimScript.Run(ctx, s.client, keys,
		s.prefix, workerID, nowMs+leaseMs, nowMs).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, queue.ErrNoJobAvailable
		}
		return nil, wrapErr("claim", err)
	}
	var j queue.Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return nil, fmt.Errorf("redisq: unmarshal claimed job: %w", err)
	}
	return &j, nil
}

func (s *Store) Renew(ctx context.Context, id, workerID string, leaseMs, nowMs int64) (bool, error) {
	nowMs = nowOr(nowMs)
	if leaseMs <= 0 {
		leaseMs = 30_000
	}
	n, err := renewScript.Run(ctx, s.client,
		[]string{s.jobKey(id), s.leasesKey()},
		workerID, nowMs+leaseMs, nowMs).Int()
	if err != nil {
		return false, wrapErr("renew", err)
	}
	if n == replyLeaseLost {
		return false, queue.ErrLeaseLost
	}
	return n == 1, nil
}

func (s *Store) Release(ctx context.Context, id, workerID string, out queue.Outcome, nowMs int64) error {
	nowMs = nowOr(nowMs)
	var kind string
	switch out.Kind {
	case queue.OutcomeSuccess:
		kind = "success"
	case queue.OutcomeFatal:
		kind = "fatal"
	case queue.OutcomeRetryable:
		kind = "retryable"
	default:
		return fmt.Errorf("redisq: unknown outcome kind %d", out.Kind)
	}
	n, err := releaseScript.Run(ctx, s.client,
		[]string{s.jobKey(id), s.leasesKey()},
		s.prefix, workerID, kind, string(out.Result), out.Error, nowMs).Int()
	if err != nil {
		return wrapErr("release", err)
	}
	if n == replyLeaseLost {
		return queue.ErrLeaseLost
	}
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, id string, nowMs int64) error {
	n, err := cancelScript.Run(ctx, s.client, []string{s.jobKey(id)}, nowOr(nowMs)).Int()
	if err != nil {
		return wrapErr("cancel", err)
	}
	if n == replyNotFound {
		return queue.ErrNotFound
	}
	return nil
}

func (s *Store) ReclaimExpired(ctx context.Context, nowMs int64, max int) (int, error) {
	nowMs = nowOr(nowMs)
	if max <= 0 {
		max = 1000
	}
	n, err := reclaimScript.Run(ctx, s.client,
		[]string{s.leasesKey()},
		s.prefix, nowMs, max).Int()
	if err != nil {
		return 0, wrapErr("reclaim", err)
	}
	return n, nil
}

func (s *Store) TrimTerminal(ctx context.Context, olderThanMs, nowMs int64, max int) (int, error) {
	nowMs = nowOr(nowMs)
	trimmed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"job:*", 100).Iterator()
	for iter.Next(ctx) {
		if max > 0 && trimmed >= max {
			break
		}
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var j queue.Job
		if err := json.Unmarshal(raw, &j); err != nil {
			continue
		}
		if !j.State.Terminal() || nowMs-j.UpdatedAtMs < olderThanMs {
			continue
		}
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return trimmed, wrapErr("trim", err)
		}
		trimmed++
	}
	if err := iter.Err(); err != nil {
		return trimmed, wrapErr("trim", err)
	}
	return trimmed, nil
}
