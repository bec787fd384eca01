package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	builderrors "github.com/elskow/binder-build/internal/errors"
	"github.com/elskow/binder-build/internal/pipeline/types"
)

const maxWatchRetries = 10

type RedisRegistry struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisRegistry(rdb *redis.Client, prefix string) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *RedisRegistry) key(name string) string {
	return r.prefix + "template:" + name
}

func (r *RedisRegistry) index() string {
	return r.prefix + "templates"
}

func (r *RedisRegistry) Upsert(ctx context.Context, name string, template *types.Template) (*types.Template, error) {
	key := r.key(name)

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		next := template.Clone()
		next.Name = name

		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			var prev *types.Template
			data, err := tx.Get(ctx, key).Bytes()
			switch {
			case err == nil:
				if prev, err = decodeTemplate(data); err != nil {
					return err
				}
			case errors.Is(err, redis.Nil):
			default:
				return err
			}

			next.Stamp(prev, r.now())
			encoded, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, 0)
				pipe.SAdd(ctx, r.index(), name)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, builderrors.Wrap(builderrors.CodePersistence, err)
		}
		return next, nil
	}
	return nil, builderrors.Newf(builderrors.CodePersistence, "too much contention updating template %s", name)
}

func (r *RedisRegistry) FindByName(ctx context.Context, name string) (*types.Template, error) {
	data, err := r.rdb.Get(ctx, r.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, builderrors.New(builderrors.CodeNotFound, name)
	}
	if err != nil {
		return nil, builderrors.Wrap(builderrors.CodePersistence, err)
	}
	return decodeTemplate(data)
}

func (r *RedisRegistry) FindAll(ctx context.Context) ([]*types.Template, error) {
	names, err := r.rdb.SMembers(ctx, r.index()).Result()
	if err != nil {
		return nil, builderrors.Wrap(builderrors.CodePersistence, err)
	}
	if len(names) == 0 {
		return []*types.Template{}, nil
	}

	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = r.key(n)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, builderrors.Wrap(builderrors.CodePersistence, err)
	}

	out := make([]*types.Template, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		t, err := decodeTemplate([]byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func decodeTemplate(data []byte) (*types.Template, error) {
	var t types.Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, builderrors.Wrap(builderrors.CodePersistence, err, "corrupt template")
	}
	return &t, nil
}
