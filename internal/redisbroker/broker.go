// Package redisbroker implements the relayq Broker contract on Redis.
// The pending set is a ZSET scored by (priority band, enqueue sequence),
// the delayed set a ZSET scored by ready time, and in-flight markers a
// ZSET scored by claim deadline plus a HASH carrying the claiming worker.
// Every claim-racing operation is a single Lua script so concurrent
// workers and sweeps cannot observe a task in two structures at once.
package redisbroker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	relayq "github.com/relayq/relayq-go"
	"github.com/relayq/relayq-go/internal/keys"
	"github.com/redis/go-redis/v9"
)

// priorityBand separates priority bands in the pending ZSET score while
// leaving room for 2^40 FIFO sequence numbers inside each band.
const priorityBand = float64(1 << 40)

// Broker is a Redis-backed relayq.Broker. It is safe for concurrent use.
type Broker struct {
	rdb redis.UniversalClient
}

// New creates a Broker over the given Redis client.
func New(rdb redis.UniversalClient) *Broker {
	return &Broker{rdb: rdb}
}

// pushScript admits a task into pending with a band+sequence score.
var pushScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
local score = tonumber(ARGV[1]) * tonumber(ARGV[2]) + seq
redis.call('ZADD', KEYS[1], score, ARGV[3])
return score
`)

// popScript atomically moves the lowest-scored pending task into the
// in-flight structures. Returns {member, score} or false when empty.
var popScript = redis.NewScript(`
local items = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #items == 0 then return false end
local m = items[1]
local score = items[2]
redis.call('ZREM', KEYS[1], m)
redis.call('ZADD', KEYS[2], ARGV[1], m)
redis.call('HSET', KEYS[3], m, ARGV[2])
return {m, score}
`)

// unpopScript undoes a pop, restoring the member at its original score.
var unpopScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// promoteScript moves a due member from delayed into pending, minting a
// fresh sequence number inside its priority band. Only the caller that
// removes the member performs the insert, making promotion idempotent
// under concurrent sweeps.
var promoteScript = redis.NewScript(`
local rem = redis.call('ZREM', KEYS[1], ARGV[1])
if rem == 0 then return 0 end
local seq = redis.call('INCR', KEYS[3])
local score = tonumber(ARGV[2]) * tonumber(ARGV[3]) + seq
redis.call('ZADD', KEYS[2], score, ARGV[1])
return 1
`)

// takeInflightScript removes an in-flight marker; the remover wins.
var takeInflightScript = redis.NewScript(`
local rem = redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return rem
`)

func (b *Broker) Push(ctx context.Context, queue, id string, priority relayq.Priority) error {
	k := keys.For(queue)
	args := []any{
		strconv.Itoa(int(priority)),
		strconv.FormatFloat(priorityBand, 'f', 0, 64),
		id,
	}
	if err := pushScript.Run(ctx, b.rdb, []string{k.Pending, k.Seq}, args...).Err(); err != nil {
		return fmt.Errorf("broker push: %w", err)
	}
	return nil
}

func (b *Broker) Pop(ctx context.Context, queue, workerID string, deadline time.Time) (*relayq.Claim, error) {
	k := keys.For(queue)
	res, err := popScript.Run(ctx, b.rdb, []string{k.Pending, k.Inflight, k.Claims},
		strconv.FormatInt(deadline.Unix(), 10), workerID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker pop: %w", err)
	}
	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("broker pop: unexpected reply %T", res)
	}
	id, _ := pair[0].(string)
	var score float64
	switch v := pair[1].(type) {
	case string:
		score, _ = strconv.ParseFloat(v, 64)
	case int64:
		score = float64(v)
	case float64:
		score = v
	}
	if id == "" {
		return nil, fmt.Errorf("broker pop: empty member")
	}
	return &relayq.Claim{TaskID: id, Score: score}, nil
}

func (b *Broker) Unpop(ctx context.Context, queue string, c *relayq.Claim) error {
	k := keys.For(queue)
	err := unpopScript.Run(ctx, b.rdb, []string{k.Inflight, k.Claims, k.Pending},
		c.TaskID, strconv.FormatFloat(c.Score, 'f', -1, 64)).Err()
	if err != nil {
		return fmt.Errorf("broker unpop: %w", err)
	}
	return nil
}

func (b *Broker) ExtendInflight(ctx context.Context, queue, id string, deadline time.Time) error {
	k := keys.For(queue)
	// XX: only update an existing marker; a reclaimed task must not be
	// resurrected into the in-flight set.
	err := b.rdb.ZAddXX(ctx, k.Inflight, redis.Z{
		Score:  float64(deadline.Unix()),
		Member: id,
	}).Err()
	if err != nil {
		return fmt.Errorf("broker extend: %w", err)
	}
	return nil
}

func (b *Broker) ClearInflight(ctx context.Context, queue, id string) error {
	k := keys.For(queue)
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Inflight, id)
		p.HDel(ctx, k.Claims, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("broker clear inflight: %w", err)
	}
	return nil
}

func (b *Broker) MoveToDelayed(ctx context.Context, queue, id string, readyAt time.Time) error {
	k := keys.For(queue)
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Inflight, id)
		p.HDel(ctx, k.Claims, id)
		p.ZAdd(ctx, k.Delayed, redis.Z{Score: float64(readyAt.Unix()), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("broker delay: %w", err)
	}
	return nil
}

func (b *Broker) DueDelayed(ctx context.Context, queue string, now time.Time, limit int) ([]string, error) {
	k := keys.For(queue)
	ids, err := b.rdb.ZRangeByScore(ctx, k.Delayed, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.Unix(), 10),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("broker due scan: %w", err)
	}
	return ids, nil
}

func (b *Broker) Promote(ctx context.Context, queue, id string, priority relayq.Priority) (bool, error) {
	k := keys.For(queue)
	res, err := promoteScript.Run(ctx, b.rdb, []string{k.Delayed, k.Pending, k.Seq},
		id,
		strconv.Itoa(int(priority)),
		strconv.FormatFloat(priorityBand, 'f', 0, 64)).Int()
	if err != nil {
		return false, fmt.Errorf("broker promote: %w", err)
	}
	return res == 1, nil
}

func (b *Broker) StaleInflight(ctx context.Context, queue string, now time.Time, limit int) ([]relayq.InflightClaim, error) {
	k := keys.For(queue)
	zs, err := b.rdb.ZRangeByScoreWithScores(ctx, k.Inflight, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.Unix(), 10),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("broker stale scan: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}
	out := make([]relayq.InflightClaim, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		worker, err := b.rdb.HGet(ctx, k.Claims, id).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("broker stale claims: %w", err)
		}
		out = append(out, relayq.InflightClaim{
			TaskID:   id,
			WorkerID: worker,
			Deadline: time.Unix(int64(z.Score), 0).UTC(),
		})
	}
	return out, nil
}

func (b *Broker) TakeInflight(ctx context.Context, queue, id string) (bool, error) {
	k := keys.For(queue)
	res, err := takeInflightScript.Run(ctx, b.rdb, []string{k.Inflight, k.Claims}, id).Int()
	if err != nil {
		return false, fmt.Errorf("broker take inflight: %w", err)
	}
	return res == 1, nil
}

func (b *Broker) Stats(ctx context.Context, queue string) (relayq.BrokerStats, error) {
	k := keys.For(queue)
	var pending, delayed, inflight *redis.IntCmd
	_, err := b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.ZCard(ctx, k.Pending)
		delayed = p.ZCard(ctx, k.Delayed)
		inflight = p.ZCard(ctx, k.Inflight)
		return nil
	})
	if err != nil {
		return relayq.BrokerStats{}, fmt.Errorf("broker stats: %w", err)
	}
	return relayq.BrokerStats{
		Pending:  pending.Val(),
		Delayed:  delayed.Val(),
		Inflight: inflight.Val(),
	}, nil
}
