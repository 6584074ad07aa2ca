package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"reportpipe/internal/models"
	"reportpipe/internal/store"
)

type StatusStore struct {
	client *redis.Client
}

func NewStatusStore(client *redis.Client) *StatusStore {
	return &StatusStore{client: client}
}

func statusKey(id string) string {
	return "reportpipe:generation:" + id
}

func activityKey(taskID string) string {
	return "reportpipe:activity:" + taskID
}

func (s *StatusStore) UpsertStatus(ctx context.Context, ev models.GenerationEvent) error {
	fields := map[string]any{
		"taskId":    ev.TaskID,
		"status":    ev.Status.String(),
		"reportId":  ev.ReportID,
		"updatedAt": ev.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if ev.Progress != nil {
		fields["progress"] = *ev.Progress
	}
	if ev.Took != nil {
		fields["took"] = *ev.Took
	}
	if err := s.client.HSet(ctx, statusKey(ev.ID), fields).Err(); err != nil {
		return fmt.Errorf("failed to upsert generation status: %w", err)
	}
	return nil
}

func (s *StatusStore) WriteActivity(ctx context.Context, entry store.ActivityEntry) error {
	payload, err := json.Marshal(map[string]any{
		"id":           entry.ID,
		"generationId": entry.GenerationID,
		"taskId":       entry.TaskID,
		"kind":         entry.Kind,
		"message":      entry.Message,
		"createdAt":    entry.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal activity entry: %w", err)
	}
	if err := s.client.LPush(ctx, activityKey(entry.TaskID), payload).Err(); err != nil {
		return fmt.Errorf("failed to push activity entry: %w", err)
	}
	return nil
}
