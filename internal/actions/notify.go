package actions

import (
	"context"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// NotifyHandler sends a notification through the external transport.
type NotifyHandler struct {
	Notifier Notifier
}

func (h *NotifyHandler) Kind() schema.ActionKind { return schema.KindSendNotification }

func (h *NotifyHandler) Execute(ctx context.Context, req Request) Outcome {
	p := req.Params.(schema.SendNotificationParams)
	if err := h.Notifier.Send(ctx, p.To, p.Title, p.Body); err != nil {
		return Failure(err)
	}
	return Success(map[string]any{
		"to":    p.To,
		"title": p.Title,
	})
}
