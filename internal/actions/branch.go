package actions

import (
	"context"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// BranchHandler jumps the cursor forward to a later step. The jump is
// gated by the action's condition like any other step: a false condition
// skips the branch and execution falls through to the next step. Targets
// are validated forward-only at save time, so the cursor never decreases.
type BranchHandler struct{}

func (h *BranchHandler) Kind() schema.ActionKind { return schema.KindBranch }

func (h *BranchHandler) Execute(_ context.Context, req Request) Outcome {
	p := req.Params.(schema.BranchParams)
	if p.To <= req.StepIndex {
		return Permanent(schema.NewErrorf(schema.ErrCodeConfig,
			"branch target %d does not advance past step %d", p.To, req.StepIndex))
	}
	return Jump(p.To)
}
