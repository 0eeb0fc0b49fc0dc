package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	logx "signupbot/pkg/logx"
)

const redisUpdateAttempts = 8

// redisDriver layout (prefix defaults to "signupbot:"):
//   - <prefix>instance:<id>  JSON record
//   - <prefix>def:<name>     ZSET of ids scored by opened_at (unix ms)
//   - <prefix>open           SET of unclosed ids
//   - <prefix>state          HASH of process settings
type redisDriver struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (*redisDriver, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, errors.New("storage.redis.addr is required for redis driver")
	}
	prefix := cfg.Redis.KeyPrefix
	if prefix == "" {
		prefix = "signupbot:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisDriver{client: client, prefix: prefix, log: log}, nil
}

func (r *redisDriver) instanceKey(id string) string { return r.prefix + "instance:" + id }
func (r *redisDriver) defKey(name string) string    { return r.prefix + "def:" + name }
func (r *redisDriver) openKey() string              { return r.prefix + "open" }
func (r *redisDriver) stateKey() string             { return r.prefix + "state" }

func (r *redisDriver) write(ctx context.Context, p redis.Pipeliner, inst *Instance) error {
	b, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	p.Set(ctx, r.instanceKey(inst.ID), b, 0)
	p.ZAdd(ctx, r.defKey(inst.Definition), &redis.Z{Score: float64(inst.OpenedAt.UnixMilli()), Member: inst.ID})
	if inst.Closed() {
		p.SRem(ctx, r.openKey(), inst.ID)
	} else {
		p.SAdd(ctx, r.openKey(), inst.ID)
	}
	return nil
}

func (r *redisDriver) put(ctx context.Context, inst *Instance) error {
	var werr error
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		werr = r.write(ctx, p, inst)
		return werr
	})
	if werr != nil {
		return werr
	}
	return err
}

func decodeRedis(data string, id string) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal([]byte(data), &inst); err != nil {
		return nil, fmt.Errorf("decode instance %s: %w", id, err)
	}
	return &inst, nil
}

func (r *redisDriver) get(ctx context.Context, id string) (*Instance, error) {
	data, err := r.client.Get(ctx, r.instanceKey(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decodeRedis(data, id)
}

func (r *redisDriver) fetch(ctx context.Context, ids []string) ([]*Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.instanceKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Instance, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			r.log.Debug("dangling instance index entry", logx.String("id", ids[i]))
			continue
		}
		inst, err := decodeRedis(s, ids[i])
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (r *redisDriver) list(ctx context.Context, definition string) ([]*Instance, error) {
	ids, err := r.client.ZRange(ctx, r.defKey(definition), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, ids)
}

func (r *redisDriver) listOpen(ctx context.Context) ([]*Instance, error) {
	ids, err := r.client.SMembers(ctx, r.openKey()).Result()
	if err != nil {
		return nil, err
	}
	return r.fetch(ctx, ids)
}

// update runs fn under WATCH and retries when another writer got there first.
func (r *redisDriver) update(ctx context.Context, id string, fn func(*Instance) (bool, error)) (*Instance, error) {
	key := r.instanceKey(id)
	var result *Instance
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		inst, err := decodeRedis(data, id)
		if err != nil {
			return err
		}
		changed, err := fn(inst)
		if err != nil {
			return err
		}
		result = inst
		if !changed {
			return nil
		}
		var werr error
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			werr = r.write(ctx, p, inst)
			return werr
		})
		if werr != nil {
			return werr
		}
		return err
	}
	for attempt := 0; attempt < redisUpdateAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		r.log.Debug("instance update conflict; retrying", logx.String("id", id), logx.Int("attempt", attempt+1))
	}
	return nil, fmt.Errorf("update %s: too many concurrent writers", id)
}

func (r *redisDriver) getState(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.HGet(ctx, r.stateKey(), key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisDriver) putState(ctx context.Context, key, value string) error {
	return r.client.HSet(ctx, r.stateKey(), key, value).Err()
}

func (r *redisDriver) close() error { return r.client.Close() }
