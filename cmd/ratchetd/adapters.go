package main

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// logEntityStore records entity mutations in the log. It stands in until an
// entity backend integration is configured; every mutation still produces an
// audit line so dry runs are inspectable.
type logEntityStore struct {
	logger *slog.Logger
}

func (s *logEntityStore) UpdateField(ctx context.Context, ref schema.EntityRef, field, value string) error {
	s.logger.InfoContext(ctx, "entity field updated",
		slog.String("entity_type", ref.Type),
		slog.String("entity_id", ref.ID),
		slog.String("field", field),
		slog.String("value", value))
	return nil
}

func (s *logEntityStore) Create(ctx context.Context, entityType string, fields map[string]string) (schema.EntityRef, error) {
	ref := schema.EntityRef{Type: entityType, ID: uuid.NewString()}
	s.logger.InfoContext(ctx, "entity created",
		slog.String("entity_type", ref.Type),
		slog.String("entity_id", ref.ID),
		slog.Int("fields", len(fields)))
	return ref, nil
}

func (s *logEntityStore) Assign(ctx context.Context, ref schema.EntityRef, assignee string) error {
	s.logger.InfoContext(ctx, "entity assigned",
		slog.String("entity_type", ref.Type),
		slog.String("entity_id", ref.ID),
		slog.String("assignee", assignee))
	return nil
}

func (s *logEntityStore) ChangeStatus(ctx context.Context, ref schema.EntityRef, status string) error {
	s.logger.InfoContext(ctx, "entity status changed",
		slog.String("entity_type", ref.Type),
		slog.String("entity_id", ref.ID),
		slog.String("status", status))
	return nil
}

func (s *logEntityStore) AddComment(ctx context.Context, ref schema.EntityRef, author, body string) error {
	s.logger.InfoContext(ctx, "entity comment added",
		slog.String("entity_type", ref.Type),
		slog.String("entity_id", ref.ID),
		slog.String("author", author))
	return nil
}

// logNotifier delivers notifications to the log.
type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) Send(ctx context.Context, recipient, title, body string) error {
	n.logger.InfoContext(ctx, "notification sent",
		slog.String("recipient", recipient),
		slog.String("title", title),
		slog.String("body", body))
	return nil
}
