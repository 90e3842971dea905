// Package redisstore keeps envelopes in Redis for deployments that already
// run one. Identities still live in the SQL credential store.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pliu/lightning/internal/models"
	"github.com/pliu/lightning/internal/store"
)

const (
	maxTxRetries = 5
	sequenceKey  = "seq:messages"
)

// RedisStore implements store.MessageStore.
//
// Each envelope is a JSON string under msg:<id>. pending:<user> and
// conv:<a>:<b> are sorted sets of IDs scored by an insertion sequence
// drawn from seq:messages.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func messageKey(id string) string {
	return "msg:" + id
}

func pendingKey(username string) string {
	return "pending:" + username
}

// conversationKey orders the pair so both directions share one set.
func conversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("conv:%s:%s", a, b)
}

// SaveMessage writes the envelope and its index entries in one MULTI
// under a WATCH on msg:<id>. A failed save leaves no partial state.
func (s *RedisStore) SaveMessage(ctx context.Context, env *models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	key := messageKey(env.ID)
	for i := 0; i < maxTxRetries; i++ {
		seq, err := s.client.Incr(ctx, sequenceKey).Result()
		if err != nil {
			return err
		}
		member := redis.Z{Score: float64(seq), Member: env.ID}

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("message %s: %w", env.ID, store.ErrDuplicate)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if env.NeedsSync {
					pipe.ZAdd(ctx, pendingKey(env.To), member)
				}
				pipe.ZAdd(ctx, conversationKey(env.From, env.To), member)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("message %s: %w", env.ID, redis.TxFailedErr)
}

// sequence returns the insertion sequence recorded for id in its
// conversation index.
func (s *RedisStore) sequence(ctx context.Context, env *models.Envelope) (float64, error) {
	seq, err := s.client.ZScore(ctx, conversationKey(env.From, env.To), env.ID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("message %s: %w", env.ID, store.ErrNotFound)
	}
	return seq, err
}

func (s *RedisStore) GetMessage(ctx context.Context, id string) (*models.Envelope, error) {
	return load(ctx, s.client, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func load(ctx context.Context, c getter, id string) (*models.Envelope, error) {
	data, err := c.Get(ctx, messageKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &env, nil
}

// mutate runs fn against the current envelope inside a WATCH transaction,
// retrying when another writer touched the key first.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(cur *models.Envelope, pipe redis.Pipeliner) (bool, error)) error {
	key := messageKey(id)
	txf := func(tx *redis.Tx) error {
		cur, err := load(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			write, err := fn(cur, pipe)
			if err != nil || !write {
				return err
			}
			data, err := json.Marshal(cur)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("message %s: %w", id, redis.TxFailedErr)
}

func (s *RedisStore) UpdateMessage(ctx context.Context, env *models.Envelope) error {
	seq, err := s.sequence(ctx, env)
	if err != nil {
		return err
	}

	var revision int
	err = s.mutate(ctx, env.ID, func(cur *models.Envelope, pipe redis.Pipeliner) (bool, error) {
		cur.Text = env.Text
		cur.Voice = env.Voice
		cur.EditedAt = env.EditedAt
		cur.Deleted = env.Deleted
		cur.NeedsSync = true
		cur.Revision++
		revision = cur.Revision
		pipe.ZAdd(ctx, pendingKey(cur.To), redis.Z{Score: seq, Member: cur.ID})
		return true, nil
	})
	if err != nil {
		return err
	}
	env.Revision = revision
	env.NeedsSync = true
	return nil
}

func (s *RedisStore) MarkDelivered(ctx context.Context, id string, revision int, at time.Time) error {
	err := s.mutate(ctx, id, func(cur *models.Envelope, pipe redis.Pipeliner) (bool, error) {
		if cur.Revision != revision {
			return false, nil
		}
		at := at.UTC()
		cur.NeedsSync = false
		cur.DeliveredAt = &at
		pipe.ZRem(ctx, pendingKey(cur.To), cur.ID)
		return true, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (s *RedisStore) PendingFor(ctx context.Context, username string) ([]models.Envelope, error) {
	ids, err := s.client.ZRange(ctx, pendingKey(username), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	envelopes, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(envelopes, func(e models.Envelope) bool { return !e.NeedsSync }), nil
}

func (s *RedisStore) Conversation(ctx context.Context, a, b string, limit int) ([]models.Envelope, error) {
	ids, err := s.client.ZRevRange(ctx, conversationKey(a, b), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	envelopes, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	slices.Reverse(envelopes)
	return envelopes, nil
}

func (s *RedisStore) loadAll(ctx context.Context, ids []string) ([]models.Envelope, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	envelopes := make([]models.Envelope, 0, len(values))
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}
		var env models.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", ids[i], err)
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}
