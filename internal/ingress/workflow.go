package ingress

import (
	"time"

	"github.com/google/uuid"

	"github.com/ratchet-hq/ratchet/internal/actions"
	"github.com/ratchet-hq/ratchet/internal/scheduler"
	"github.com/ratchet-hq/ratchet/internal/validation"
	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// Inbound webhooks carry the same signature scheme the outbound caller
// produces, so an integration can point ratchet at itself.
const signatureHeader = actions.SignatureHeader

var verifySignature = actions.VerifySignature

// materialize turns a validated document into store models: missing IDs
// are generated and schedule triggers get their first next_fire_at so the
// scheduler picks them up without a separate initialization pass.
func materialize(doc *validation.WorkflowDocument, now time.Time) (*schema.Workflow, []schema.Trigger, []schema.Action, error) {
	wf, triggers, acts := doc.Materialize(now)
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}

	for i := range triggers {
		if triggers[i].ID == "" {
			triggers[i].ID = uuid.NewString()
		}
		triggers[i].WorkflowID = wf.ID
		if triggers[i].Kind == schema.TriggerKindSchedule && triggers[i].NextFireAt == nil {
			next, err := scheduler.NextFire(triggers[i].Cron, now)
			if err != nil {
				return nil, nil, nil, err
			}
			triggers[i].NextFireAt = &next
		}
	}

	for i := range acts {
		if acts[i].ID == "" {
			acts[i].ID = uuid.NewString()
		}
		acts[i].WorkflowID = wf.ID
	}

	return wf, triggers, acts, nil
}
