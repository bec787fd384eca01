package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/redis/go-redis/v9"

	builderrors "github.com/elskow/binder-build/internal/errors"
	"github.com/elskow/binder-build/internal/pipeline/types"
)

const maxWatchRetries = 10

// RedisStore keeps each record as a JSON string under "<prefix>build:<name>"
// and tracks names in the "<prefix>builds" set. Upserts use WATCH/MULTI.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + "build:" + name
}

func (s *RedisStore) index() string {
	return s.prefix + "builds"
}

func (s *RedisStore) Create(ctx context.Context, record *types.BuildRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return builderrors.Wrap(builderrors.CodePersistence, err)
	}

	ok, err := s.rdb.SetNX(ctx, s.key(record.Name), data, 0).Result()
	if err != nil {
		return builderrors.Wrap(builderrors.CodePersistence, err)
	}
	if !ok {
		return builderrors.New(builderrors.CodeConflict, record.Name)
	}
	if err := s.rdb.SAdd(ctx, s.index(), record.Name).Err(); err != nil {
		return builderrors.Wrap(builderrors.CodePersistence, err)
	}
	return nil
}

func (s *RedisStore) FindByName(ctx context.Context, name string) (*types.BuildRecord, error) {
	data, err := s.rdb.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, builderrors.New(builderrors.CodeNotFound, name)
	}
	if err != nil {
		return nil, builderrors.Wrap(builderrors.CodePersistence, err)
	}
	return decodeRecord(data)
}

func (s *RedisStore) FindAll(ctx context.Context) ([]*types.BuildRecord, error) {
	names, err := s.rdb.SMembers(ctx, s.index()).Result()
	if err != nil {
		return nil, builderrors.Wrap(builderrors.CodePersistence, err)
	}
	if len(names) == 0 {
		return []*types.BuildRecord{}, nil
	}

	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = s.key(n)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, builderrors.Wrap(builderrors.CodePersistence, err)
	}

	out := make([]*types.BuildRecord, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// removed between SMEMBERS and MGET
			continue
		}
		r, err := decodeRecord([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *RedisStore) Upsert(ctx context.Context, name string, mutate Mutation) (*types.BuildRecord, error) {
	key := s.key(name)

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		var (
			result    *types.BuildRecord
			mutateErr error
		)

		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			var current *types.BuildRecord
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case err == nil:
				if current, err = decodeRecord(data); err != nil {
					return err
				}
			case errors.Is(err, redis.Nil):
			default:
				return err
			}

			next, err := mutate(current)
			if err != nil {
				mutateErr = err
				return err
			}
			if next == nil || next.Name != name {
				mutateErr = builderrors.Newf(builderrors.CodePersistence, "mutation for %s returned a record for another key", name)
				return mutateErr
			}

			encoded, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				pipe.SAdd(ctx, s.index(), name)
				return nil
			})
			if err != nil {
				return err
			}
			result = next
			return nil
		}, key)

		if mutateErr != nil {
			return nil, mutateErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if builderrors.CodeOf(err) != "" {
				return nil, err
			}
			return nil, builderrors.Wrap(builderrors.CodePersistence, err)
		}
		return result, nil
	}
	return nil, builderrors.Newf(builderrors.CodePersistence, "too much contention updating %s", name)
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, s.key(name))
		pipe.SRem(ctx, s.index(), name)
		return nil
	})
	if err != nil {
		return builderrors.Wrap(builderrors.CodePersistence, err)
	}
	if removed.Val() == 0 {
		return builderrors.New(builderrors.CodeNotFound, name)
	}
	return nil
}

func decodeRecord(data []byte) (*types.BuildRecord, error) {
	var r types.BuildRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, builderrors.Wrap(builderrors.CodePersistence, err, "corrupt build record")
	}
	return &r, nil
}
