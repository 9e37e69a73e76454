package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"hivenet/pkg/model"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

// tryWriteScript pushes an envelope only while the command hash is below
// capacity, and wakes watchers in the same atomic step.
// KEYS[1] = command hash, ARGV[1] = capacity, ARGV[2] = id, ARGV[3] = json,
// ARGV[4] = notify channel
var tryWriteScript = redis.NewScript(`
if redis.call("HLEN", KEYS[1]) >= tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", KEYS[1], ARGV[2], ARGV[3])
redis.call("PUBLISH", ARGV[4], ARGV[2])
return 1
`)

// RedisBus is a Bus over a redis hash of envelopes plus pub/sub
// notifications. It pairs with any Registry through Split.
type RedisBus struct {
	client   *redis.Client
	prefix   string
	capacity int
	log      logr.Logger
}

type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	Prefix          string
	CommandCapacity int
	Logger          logr.Logger
}

func NewRedisBus(cfg RedisConfig) *RedisBus {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if cfg.Prefix == "" {
		cfg.Prefix = "hivenet"
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = 64
	}
	return &RedisBus{client: rdb, prefix: cfg.Prefix, capacity: cfg.CommandCapacity, log: cfg.Logger.WithName("redis")}
}

func (r *RedisBus) Close() error {
	return r.client.Close()
}

func (r *RedisBus) commandsKey() string { return r.prefix + ":commands" }
func (r *RedisBus) notifyChan() string  { return r.prefix + ":commands:new" }
func (r *RedisBus) killKey() string     { return r.prefix + ":kill" }
func (r *RedisBus) killChan() string    { return r.prefix + ":kill:new" }
func (r *RedisBus) errorsKey() string   { return r.prefix + ":errors" }

func (r *RedisBus) TryWriteCommand(ctx context.Context, cmd *model.Command) error {
	bytes, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	ok, err := tryWriteScript.Run(ctx, r.client,
		[]string{r.commandsKey()}, r.capacity, cmd.ID, string(bytes), r.notifyChan()).Int()
	if err != nil {
		return fmt.Errorf("redis try write: %w", err)
	}
	if ok == 0 {
		return ErrChannelFull
	}
	return nil
}

func (r *RedisBus) WatchCommands(ctx context.Context, workerID string) <-chan CommandEvent {
	out := make(chan CommandEvent)

	go func() {
		defer close(out)

		// subscribe before listing so nothing written in between is lost
		sub := r.client.Subscribe(ctx, r.notifyChan())
		defer sub.Close()

		seen := make(map[string]bool)
		emit := func(id, raw string) bool {
			if seen[id] {
				return true
			}
			var cmd model.Command
			if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
				r.log.Error(err, "unmarshal command", "id", id)
				return true
			}
			if _, ok := cmd.For(workerID); !ok {
				return true
			}
			seen[id] = true
			select {
			case out <- CommandEvent{Key: id, Command: &cmd}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		pending, err := r.client.HGetAll(ctx, r.commandsKey()).Result()
		if err != nil {
			r.log.Error(err, "list pending commands")
			return
		}
		ids := make([]string, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if !emit(id, pending[id]) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				raw, err := r.client.HGet(ctx, r.commandsKey(), msg.Payload).Result()
				if errors.Is(err, redis.Nil) {
					continue
				}
				if err != nil {
					r.log.Error(err, "read command", "id", msg.Payload)
					continue
				}
				if !emit(msg.Payload, raw) {
					return
				}
			}
		}
	}()

	return out
}

// ConsumeCommand uses WATCH/MULTI so concurrent consumers of one envelope
// never lose each other's removal.
func (r *RedisBus) ConsumeCommand(ctx context.Context, ev CommandEvent, workerID string) error {
	key := r.commandsKey()
	consume := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, ev.Key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var cmd model.Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			return err
		}
		rest := cmd.Without(workerID)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(rest.Assignments) == 0 {
				pipe.HDel(ctx, key, ev.Key)
				return nil
			}
			bytes, err := json.Marshal(rest)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, key, ev.Key, string(bytes))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < consumeAttempts; attempt++ {
		err := r.client.Watch(ctx, consume, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("consume %s: too much contention", ev.Key)
}

func (r *RedisBus) ClearCommands(ctx context.Context) error {
	return r.client.Del(ctx, r.commandsKey()).Err()
}

func (r *RedisBus) WriteKill(ctx context.Context, k *model.Kill) error {
	bytes, err := json.Marshal(k)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.killKey(), bytes, 0).Err(); err != nil {
		return err
	}
	return r.client.Publish(ctx, r.killChan(), bytes).Err()
}

func (r *RedisBus) WatchKills(ctx context.Context) <-chan *model.Kill {
	out := make(chan *model.Kill)

	go func() {
		defer close(out)
		sub := r.client.Subscribe(ctx, r.killChan())
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var k model.Kill
				if err := json.Unmarshal([]byte(msg.Payload), &k); err != nil {
					r.log.Error(err, "unmarshal kill")
					continue
				}
				select {
				case out <- &k:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (r *RedisBus) ReportError(ctx context.Context, rep *model.ErrorReport) error {
	bytes, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.errorsKey(), bytes).Err()
}

func (r *RedisBus) DrainErrors(ctx context.Context) ([]*model.ErrorReport, error) {
	pipe := r.client.TxPipeline()
	items := pipe.LRange(ctx, r.errorsKey(), 0, -1)
	pipe.Del(ctx, r.errorsKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	reports := make([]*model.ErrorReport, 0, len(items.Val()))
	for _, raw := range items.Val() {
		var rep model.ErrorReport
		if err := json.Unmarshal([]byte(raw), &rep); err != nil {
			r.log.Error(err, "unmarshal error report")
			continue
		}
		reports = append(reports, &rep)
	}
	return reports, nil
}

var _ Bus = (*RedisBus)(nil)
