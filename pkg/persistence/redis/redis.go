// Package redis provides Redis-backed persistence for workflow instances.
// Optimistic locking via WATCH rejects second writers instead of merging.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/inboxpilot/inboxpilot/pkg/models"
	"github.com/inboxpilot/inboxpilot/pkg/persistence"
)

const (
	activeKeyPrefix  = "inboxpilot:wf:active:"
	archiveKeyPrefix = "inboxpilot:wf:archive:"
	activeIndexKey   = "inboxpilot:wf:index"
)

// Persistence implements persistence.Persistence on Redis.
type Persistence struct {
	client *goredis.Client
}

// NewPersistence connects to the Redis instance addressed by databaseURL
// (redis://[user:pass@]host:port/db).
func NewPersistence(databaseURL string) (*Persistence, error) {
	opts, err := goredis.ParseURL(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	return &Persistence{client: goredis.NewClient(opts)}, nil
}

func activeKey(conversationID string) string {
	return activeKeyPrefix + conversationID
}

func (rp *Persistence) ActiveInstance(ctx context.Context, conversationID string) (*models.WorkflowInstance, error) {
	data, err := rp.client.Get(ctx, activeKey(conversationID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, persistence.NewInstanceError("ActiveInstance", conversationID, persistence.ErrInstanceNotFound)
	}

	if err != nil {
		return nil, persistence.NewInstanceError("ActiveInstance", conversationID, err)
	}

	var instance models.WorkflowInstance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, persistence.NewInstanceError("ActiveInstance", conversationID, err)
	}

	return &instance, nil
}

func (rp *Persistence) ActiveInstances(ctx context.Context) ([]*models.WorkflowInstance, error) {
	conversations, err := rp.client.SMembers(ctx, activeIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances: %w", err)
	}

	instances := make([]*models.WorkflowInstance, 0, len(conversations))

	for _, conversationID := range conversations {
		instance, err := rp.ActiveInstance(ctx, conversationID)
		if persistence.IsInstanceNotFound(err) {
			// Index entry outlived its instance; drop it.
			rp.client.SRem(ctx, activeIndexKey, conversationID)

			continue
		}

		if err != nil {
			return nil, err
		}

		instances = append(instances, instance)
	}

	return instances, nil
}

// SaveInstance persists the instance, watching its key so a concurrent
// writer aborts the transaction instead of being merged over.
func (rp *Persistence) SaveInstance(ctx context.Context, instance *models.WorkflowInstance) error {
	key := activeKey(instance.ConversationID)

	err := rp.client.Watch(ctx, func(tx *goredis.Tx) error {
		stored, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}

		if stored != nil {
			var current models.WorkflowInstance
			if err := json.Unmarshal(stored, &current); err != nil {
				return err
			}

			if current.Version != instance.Version {
				return persistence.ErrConcurrencyConflict
			}
		}

		instance.Version++

		data, err := json.Marshal(instance)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, activeIndexKey, instance.ConversationID)

			return nil
		})

		return err
	}, key)
	if err != nil {
		if errors.Is(err, goredis.TxFailedErr) {
			err = persistence.ErrConcurrencyConflict
		}

		return persistence.NewInstanceError("SaveInstance", instance.ConversationID, err)
	}

	return nil
}

func (rp *Persistence) ArchiveInstance(ctx context.Context, instance *models.WorkflowInstance) error {
	if !instance.State.Terminal() {
		return persistence.NewInstanceError("ArchiveInstance", instance.ConversationID, persistence.ErrInstanceNotTerminal)
	}

	data, err := json.Marshal(instance)
	if err != nil {
		return persistence.NewInstanceError("ArchiveInstance", instance.ConversationID, err)
	}

	_, err = rp.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, archiveKeyPrefix+instance.ID, data, 0)
		pipe.Del(ctx, activeKey(instance.ConversationID))
		pipe.SRem(ctx, activeIndexKey, instance.ConversationID)

		return nil
	})
	if err != nil {
		return persistence.NewInstanceError("ArchiveInstance", instance.ConversationID, err)
	}

	return nil
}

func (rp *Persistence) HealthCheck(ctx context.Context) error {
	return rp.client.Ping(ctx).Err()
}

func (rp *Persistence) Close(_ context.Context) error {
	return rp.client.Close()
}
