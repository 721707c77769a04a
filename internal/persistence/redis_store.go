package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/replayflow/internal/history"
	"github.com/petrijr/replayflow/pkg/api"
)

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<id>            => JSON-encoded api.Instance
//	<prefix>hist:<id>            => LIST of JSON-encoded history events
//	<prefix>idx:all              => SET of all instance IDs
//	<prefix>idx:name:<name>      => SET of instance IDs for a given orchestrator
//	<prefix>idx:status:<status>  => SET of instance IDs for a given status
//
// Appends run under WATCH on the history list, so a concurrent append makes
// the transaction fail instead of interleaving sequence numbers.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// maxAppendRetries bounds optimistic-lock retries of AppendEvents.
const maxAppendRetries = 32

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "replayflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "replayflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyInstance(id string) string {
	return s.prefix + "inst:" + id
}

func (s *RedisStore) keyHistory(id string) string {
	return s.prefix + "hist:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyName(name string) string {
	return s.prefix + "idx:name:" + name
}

func (s *RedisStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisStore) CreateInstance(ctx context.Context, inst *api.Instance, started api.HistoryEvent) error {
	if err := history.CheckNext(0, started); err != nil {
		return err
	}

	data, err := EncodeInstance(inst)
	if err != nil {
		return err
	}
	ev, err := EncodeEvent(started)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.keyInstance(inst.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrDuplicateInstance
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keyHistory(inst.ID))
		pipe.RPush(ctx, s.keyHistory(inst.ID), ev)
		pipe.SAdd(ctx, s.keyAll(), inst.ID)
		pipe.SAdd(ctx, s.keyName(inst.Name), inst.ID)
		pipe.SAdd(ctx, s.keyStatus(inst.Status), inst.ID)
		return nil
	})
	if err != nil {
		_ = s.client.Del(ctx, s.keyInstance(inst.ID)).Err()
		return err
	}
	return nil
}

func (s *RedisStore) UpdateInstance(ctx context.Context, inst *api.Instance) error {
	prev, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		return err
	}

	data, err := EncodeInstance(inst)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.keyInstance(inst.ID), data, 0)
		if prev.Status != inst.Status {
			pipe.SRem(ctx, s.keyStatus(prev.Status), inst.ID)
		}
		if prev.Name != inst.Name {
			pipe.SRem(ctx, s.keyName(prev.Name), inst.ID)
		}
		pipe.SAdd(ctx, s.keyName(inst.Name), inst.ID)
		pipe.SAdd(ctx, s.keyStatus(inst.Status), inst.ID)
		return nil
	})
	return err
}

func (s *RedisStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}
	return DecodeInstance(data)
}

func (s *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	var ids []string
	var err error

	switch {
	case filter.Name != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx,
			s.keyName(filter.Name),
			s.keyStatus(filter.Status),
		).Result()
	case filter.Name != "":
		ids, err = s.client.SMembers(ctx, s.keyName(filter.Name)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.Instance{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.Instance{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var instances []*api.Instance
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := DecodeInstance(data)
		if err != nil {
			return nil, err
		}
		// Index sets can lag behind a concurrent update; the record decides.
		if !filter.Matches(inst) {
			continue
		}
		instances = append(instances, inst)
	}

	sort.Slice(instances, func(i, j int) bool {
		return instances[i].CreatedAt.Before(instances[j].CreatedAt)
	})
	return instances, nil
}

func (s *RedisStore) DeleteInstance(ctx context.Context, id string) error {
	inst, err := s.GetInstance(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keyInstance(id), s.keyHistory(id))
		pipe.SRem(ctx, s.keyAll(), id)
		pipe.SRem(ctx, s.keyName(inst.Name), id)
		pipe.SRem(ctx, s.keyStatus(inst.Status), id)
		return nil
	})
	return err
}

func (s *RedisStore) AppendEvents(ctx context.Context, instanceID string, events ...api.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}

	values := make([]any, 0, len(events))
	for _, ev := range events {
		data, err := EncodeEvent(ev)
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	instKey := s.keyInstance(instanceID)
	histKey := s.keyHistory(instanceID)

	txf := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, instKey).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return api.ErrInstanceNotFound
		}

		length, err := tx.LLen(ctx, histKey).Result()
		if err != nil {
			return err
		}
		if err := history.CheckNext(length, events...); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, histKey, values...)
			return nil
		})
		return err
	}

	for range maxAppendRetries {
		err := s.client.Watch(ctx, txf, instKey, histKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("append to %s: too much contention", instanceID)
}

func (s *RedisStore) ReadHistory(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	exists, err := s.client.Exists(ctx, s.keyInstance(instanceID)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, api.ErrInstanceNotFound
	}

	raw, err := s.client.LRange(ctx, s.keyHistory(instanceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	out := make([]api.HistoryEvent, 0, len(raw))
	for _, item := range raw {
		ev, err := DecodeEvent([]byte(item))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
