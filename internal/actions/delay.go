package actions

import (
	"context"
	"time"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// DelayHandler converts a delay action into a pause outcome. The
// coordinator persists the resume time and releases the worker; nothing
// ever sleeps, so a seven-day delay costs no resources while waiting.
type DelayHandler struct {
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (h *DelayHandler) Kind() schema.ActionKind { return schema.KindDelay }

func (h *DelayHandler) Execute(_ context.Context, req Request) Outcome {
	p := req.Params.(schema.DelayParams)
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	return Pause(now().UTC().Add(time.Duration(p.Seconds) * time.Second))
}
