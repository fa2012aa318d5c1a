package validation

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ratchet-hq/ratchet/pkg/schema"
)

// maxDelaySeconds caps delay actions at 30 days.
const maxDelaySeconds = 30 * 24 * 60 * 60

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// validateSemantics enforces everything the JSON Schema cannot express:
// trigger kind requirements, the closed condition grammar, typed parameter
// validity, contiguous step orders, and forward-only branch targets.
func validateSemantics(doc *WorkflowDocument) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is nil")
	}
	if doc.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	if doc.Scope.Kind == schema.ScopeEntity && doc.Scope.EntityType == "" {
		return schema.NewError(schema.ErrCodeValidation, "entity-scoped workflow requires entity_type")
	}

	for i := range doc.Triggers {
		if err := validateTrigger(&doc.Triggers[i]); err != nil {
			return err
		}
	}

	return validateActions(doc.Actions)
}

func validateTrigger(trg *schema.Trigger) error {
	switch trg.Kind {
	case schema.TriggerKindEvent:
		if trg.EventType == "" {
			return schema.NewError(schema.ErrCodeValidation, "event trigger requires event_type")
		}
		if trg.Cron != "" {
			return schema.NewError(schema.ErrCodeValidation, "event trigger must not carry a cron expression")
		}
		if trg.Condition != nil {
			if err := trg.Condition.Validate(); err != nil {
				return err
			}
		}
	case schema.TriggerKindSchedule:
		if trg.Cron == "" {
			return schema.NewError(schema.ErrCodeValidation, "schedule trigger requires a cron expression")
		}
		if _, err := cronParser.Parse(trg.Cron); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"parse cron expression %q: %s", trg.Cron, err.Error())
		}
		if trg.EventType != "" || trg.Condition != nil {
			return schema.NewError(schema.ErrCodeValidation, "schedule trigger must not carry event fields")
		}
	case schema.TriggerKindWebhook:
		// event_type names the integration whose shared secret verifies
		// the inbound signature.
		if trg.EventType == "" {
			return schema.NewError(schema.ErrCodeValidation, "webhook trigger requires event_type (integration name)")
		}
		if trg.Condition != nil {
			if err := trg.Condition.Validate(); err != nil {
				return err
			}
		}
	case schema.TriggerKindManual:
		if trg.EventType != "" || trg.Cron != "" || trg.Condition != nil {
			return schema.NewError(schema.ErrCodeValidation, "manual trigger takes no matching fields")
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger kind %q", trg.Kind)
	}
	return nil
}

func validateActions(acts []schema.Action) error {
	if len(acts) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow requires at least one action")
	}

	// Orders must be contiguous from 0 so cursors and branch targets are
	// unambiguous.
	seen := make(map[int]bool, len(acts))
	for i := range acts {
		o := acts[i].Order
		if o < 0 || o >= len(acts) {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"action order %d out of range [0, %d)", o, len(acts))
		}
		if seen[o] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate action order %d", o)
		}
		seen[o] = true
	}

	for i := range acts {
		if err := validateAction(&acts[i], len(acts)); err != nil {
			return err
		}
	}
	return nil
}

func validateAction(act *schema.Action, total int) error {
	if act.Params == nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"action %d (%s) has no parameters", act.Order, act.Kind)
	}
	if act.Params.Kind() != act.Kind {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"action %d: params kind %q does not match action kind %q",
			act.Order, act.Params.Kind(), act.Kind)
	}
	if err := act.Params.Validate(); err != nil {
		if rErr, ok := err.(*schema.RatchetError); ok {
			return rErr.WithStep(act.Order)
		}
		return err
	}

	if act.Condition != nil {
		if err := act.Condition.Validate(); err != nil {
			return err
		}
	}

	if act.Timeout != "" {
		d, err := time.ParseDuration(act.Timeout)
		if err != nil || d <= 0 {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"action %d: invalid timeout %q", act.Order, act.Timeout)
		}
	}

	switch p := act.Params.(type) {
	case schema.BranchParams:
		// Branches only jump forward, so the cursor is monotone and no
		// workflow can loop.
		if p.To <= act.Order {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"action %d: branch target %d must be after the branch itself", act.Order, p.To)
		}
		if p.To >= total {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"action %d: branch target %d out of range [0, %d)", act.Order, p.To, total)
		}
	case schema.DelayParams:
		if p.Seconds > maxDelaySeconds {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"action %d: delay %ds exceeds the %ds maximum", act.Order, p.Seconds, maxDelaySeconds)
		}
	}

	return nil
}
