package actions

import (
	"context"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// UpdateFieldHandler sets one field on a business entity.
type UpdateFieldHandler struct {
	Entities EntityStore
}

func (h *UpdateFieldHandler) Kind() schema.ActionKind { return schema.KindUpdateEntityField }

func (h *UpdateFieldHandler) Execute(ctx context.Context, req Request) Outcome {
	p := req.Params.(schema.UpdateEntityFieldParams)
	if err := h.Entities.UpdateField(ctx, p.Entity, p.Field, p.Value); err != nil {
		return Failure(err)
	}
	return Success(map[string]any{
		"entity": p.Entity,
		"field":  p.Field,
		"value":  p.Value,
	})
}

// CreateEntityHandler creates a new business entity.
type CreateEntityHandler struct {
	Entities EntityStore
}

func (h *CreateEntityHandler) Kind() schema.ActionKind { return schema.KindCreateEntity }

func (h *CreateEntityHandler) Execute(ctx context.Context, req Request) Outcome {
	p := req.Params.(schema.CreateEntityParams)
	ref, err := h.Entities.Create(ctx, p.EntityType, p.Fields)
	if err != nil {
		return Failure(err)
	}
	return Success(map[string]any{
		"entity": ref,
	})
}

// AssignHandler assigns an entity to a user.
type AssignHandler struct {
	Entities EntityStore
}

func (h *AssignHandler) Kind() schema.ActionKind { return schema.KindAssignEntity }

func (h *AssignHandler) Execute(ctx context.Context, req Request) Outcome {
	p := req.Params.(schema.AssignEntityParams)
	if err := h.Entities.Assign(ctx, p.Entity, p.Assignee); err != nil {
		return Failure(err)
	}
	return Success(map[string]any{
		"entity":   p.Entity,
		"assignee": p.Assignee,
	})
}

// ChangeStatusHandler moves an entity to a new status.
type ChangeStatusHandler struct {
	Entities EntityStore
}

func (h *ChangeStatusHandler) Kind() schema.ActionKind { return schema.KindChangeStatus }

func (h *ChangeStatusHandler) Execute(ctx context.Context, req Request) Outcome {
	p := req.Params.(schema.ChangeStatusParams)
	if err := h.Entities.ChangeStatus(ctx, p.Entity, p.Status); err != nil {
		return Failure(err)
	}
	return Success(map[string]any{
		"entity": p.Entity,
		"status": p.Status,
	})
}

// AddCommentHandler appends a comment to an entity. The workflow actor is
// recorded as the comment author.
type AddCommentHandler struct {
	Entities EntityStore
}

func (h *AddCommentHandler) Kind() schema.ActionKind { return schema.KindAddComment }

func (h *AddCommentHandler) Execute(ctx context.Context, req Request) Outcome {
	p := req.Params.(schema.AddCommentParams)
	if err := h.Entities.AddComment(ctx, p.Entity, req.Actor, p.Body); err != nil {
		return Failure(err)
	}
	return Success(map[string]any{
		"entity": p.Entity,
	})
}
