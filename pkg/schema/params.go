package schema

import (
	"encoding/json"
)

// ActionKind enumerates the built-in action handler kinds.
type ActionKind string

const (
	KindSendNotification  ActionKind = "send_notification"
	KindUpdateEntityField ActionKind = "update_entity_field"
	KindCreateEntity      ActionKind = "create_entity"
	KindAssignEntity      ActionKind = "assign_entity"
	KindChangeStatus      ActionKind = "change_status"
	KindAddComment        ActionKind = "add_comment"
	KindCallWebhook       ActionKind = "call_webhook"
	KindDelay             ActionKind = "delay"
	KindBranch            ActionKind = "branch"
)

// RenderFunc substitutes {{path}} placeholders in a template string.
type RenderFunc func(template string) (string, error)

// ActionParams is the typed, kind-specific parameter block of an action.
// Each variant validates itself at save time and knows how to resolve its
// templated string fields at execution time, so no untyped map ever
// reaches a handler.
type ActionParams interface {
	Kind() ActionKind
	Validate() error
	// Resolved returns a copy with all templated fields rendered.
	Resolved(render RenderFunc) (ActionParams, error)
}

// SendNotificationParams notifies a user through the external transport.
type SendNotificationParams struct {
	To    string `json:"to"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (p SendNotificationParams) Kind() ActionKind { return KindSendNotification }

func (p SendNotificationParams) Validate() error {
	if p.To == "" {
		return NewError(ErrCodeValidation, "send_notification: to is required")
	}
	if p.Title == "" {
		return NewError(ErrCodeValidation, "send_notification: title is required")
	}
	return nil
}

func (p SendNotificationParams) Resolved(render RenderFunc) (ActionParams, error) {
	var err error
	if p.To, err = render(p.To); err != nil {
		return nil, err
	}
	if p.Title, err = render(p.Title); err != nil {
		return nil, err
	}
	if p.Body, err = render(p.Body); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateEntityFieldParams sets one field on an entity.
type UpdateEntityFieldParams struct {
	Entity EntityRef `json:"entity"`
	Field  string    `json:"field"`
	Value  string    `json:"value"`
}

func (p UpdateEntityFieldParams) Kind() ActionKind { return KindUpdateEntityField }

func (p UpdateEntityFieldParams) Validate() error {
	if p.Entity.Type == "" || p.Entity.ID == "" {
		return NewError(ErrCodeValidation, "update_entity_field: entity type and id are required")
	}
	if p.Field == "" {
		return NewError(ErrCodeValidation, "update_entity_field: field is required")
	}
	return nil
}

func (p UpdateEntityFieldParams) Resolved(render RenderFunc) (ActionParams, error) {
	var err error
	if p.Entity, err = resolveRef(p.Entity, render); err != nil {
		return nil, err
	}
	if p.Value, err = render(p.Value); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateEntityParams creates a new entity in the collaborating store.
type CreateEntityParams struct {
	EntityType string            `json:"entity_type"`
	Fields     map[string]string `json:"fields"`
}

func (p CreateEntityParams) Kind() ActionKind { return KindCreateEntity }

func (p CreateEntityParams) Validate() error {
	if p.EntityType == "" {
		return NewError(ErrCodeValidation, "create_entity: entity_type is required")
	}
	return nil
}

func (p CreateEntityParams) Resolved(render RenderFunc) (ActionParams, error) {
	fields := make(map[string]string, len(p.Fields))
	for k, v := range p.Fields {
		rv, err := render(v)
		if err != nil {
			return nil, err
		}
		fields[k] = rv
	}
	p.Fields = fields
	return p, nil
}

// AssignEntityParams assigns an entity to a user.
type AssignEntityParams struct {
	Entity   EntityRef `json:"entity"`
	Assignee string    `json:"assignee"`
}

func (p AssignEntityParams) Kind() ActionKind { return KindAssignEntity }

func (p AssignEntityParams) Validate() error {
	if p.Entity.Type == "" || p.Entity.ID == "" {
		return NewError(ErrCodeValidation, "assign_entity: entity type and id are required")
	}
	if p.Assignee == "" {
		return NewError(ErrCodeValidation, "assign_entity: assignee is required")
	}
	return nil
}

func (p AssignEntityParams) Resolved(render RenderFunc) (ActionParams, error) {
	var err error
	if p.Entity, err = resolveRef(p.Entity, render); err != nil {
		return nil, err
	}
	if p.Assignee, err = render(p.Assignee); err != nil {
		return nil, err
	}
	return p, nil
}

// ChangeStatusParams moves an entity to a new status.
type ChangeStatusParams struct {
	Entity EntityRef `json:"entity"`
	Status string    `json:"status"`
}

func (p ChangeStatusParams) Kind() ActionKind { return KindChangeStatus }

func (p ChangeStatusParams) Validate() error {
	if p.Entity.Type == "" || p.Entity.ID == "" {
		return NewError(ErrCodeValidation, "change_status: entity type and id are required")
	}
	if p.Status == "" {
		return NewError(ErrCodeValidation, "change_status: status is required")
	}
	return nil
}

func (p ChangeStatusParams) Resolved(render RenderFunc) (ActionParams, error) {
	var err error
	if p.Entity, err = resolveRef(p.Entity, render); err != nil {
		return nil, err
	}
	if p.Status, err = render(p.Status); err != nil {
		return nil, err
	}
	return p, nil
}

// AddCommentParams appends a comment to an entity.
type AddCommentParams struct {
	Entity EntityRef `json:"entity"`
	Body   string    `json:"body"`
}

func (p AddCommentParams) Kind() ActionKind { return KindAddComment }

func (p AddCommentParams) Validate() error {
	if p.Entity.Type == "" || p.Entity.ID == "" {
		return NewError(ErrCodeValidation, "add_comment: entity type and id are required")
	}
	if p.Body == "" {
		return NewError(ErrCodeValidation, "add_comment: body is required")
	}
	return nil
}

func (p AddCommentParams) Resolved(render RenderFunc) (ActionParams, error) {
	var err error
	if p.Entity, err = resolveRef(p.Entity, render); err != nil {
		return nil, err
	}
	if p.Body, err = render(p.Body); err != nil {
		return nil, err
	}
	return p, nil
}

// CallWebhookParams posts a JSON payload to an external URL. SecretKey
// names a vault entry used to HMAC-sign the request body.
type CallWebhookParams struct {
	URL       string            `json:"url"`
	Payload   map[string]string `json:"payload,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	SecretKey string            `json:"secret_key,omitempty"`
}

func (p CallWebhookParams) Kind() ActionKind { return KindCallWebhook }

func (p CallWebhookParams) Validate() error {
	if p.URL == "" {
		return NewError(ErrCodeValidation, "call_webhook: url is required")
	}
	return nil
}

func (p CallWebhookParams) Resolved(render RenderFunc) (ActionParams, error) {
	var err error
	if p.URL, err = render(p.URL); err != nil {
		return nil, err
	}
	payload := make(map[string]string, len(p.Payload))
	for k, v := range p.Payload {
		rv, rerr := render(v)
		if rerr != nil {
			return nil, rerr
		}
		payload[k] = rv
	}
	p.Payload = payload
	return p, nil
}

// DelayParams pauses the execution without occupying a worker.
type DelayParams struct {
	Seconds int `json:"seconds"`
}

func (p DelayParams) Kind() ActionKind { return KindDelay }

func (p DelayParams) Validate() error {
	if p.Seconds <= 0 {
		return NewError(ErrCodeValidation, "delay: seconds must be positive")
	}
	return nil
}

func (p DelayParams) Resolved(RenderFunc) (ActionParams, error) { return p, nil }

// BranchParams jumps the cursor forward to a later step. Gating is done by
// the action's condition: if it is false the branch is skipped and the
// cursor simply advances to the next step.
type BranchParams struct {
	To int `json:"to"`
}

func (p BranchParams) Kind() ActionKind { return KindBranch }

func (p BranchParams) Validate() error {
	if p.To <= 0 {
		return NewError(ErrCodeValidation, "branch: to must be a positive step index")
	}
	return nil
}

func (p BranchParams) Resolved(RenderFunc) (ActionParams, error) { return p, nil }

func resolveRef(ref EntityRef, render RenderFunc) (EntityRef, error) {
	var err error
	if ref.Type, err = render(ref.Type); err != nil {
		return ref, err
	}
	if ref.ID, err = render(ref.ID); err != nil {
		return ref, err
	}
	return ref, nil
}

// DecodeParams unmarshals a raw parameter block into the typed variant for
// the given kind. Unknown fields are rejected so a typo fails at save
// time, not inside a handler.
func DecodeParams(kind ActionKind, raw json.RawMessage) (ActionParams, error) {
	var (
		p   ActionParams
		err error
	)
	switch kind {
	case KindSendNotification:
		p, err = decodeInto[SendNotificationParams](raw)
	case KindUpdateEntityField:
		p, err = decodeInto[UpdateEntityFieldParams](raw)
	case KindCreateEntity:
		p, err = decodeInto[CreateEntityParams](raw)
	case KindAssignEntity:
		p, err = decodeInto[AssignEntityParams](raw)
	case KindChangeStatus:
		p, err = decodeInto[ChangeStatusParams](raw)
	case KindAddComment:
		p, err = decodeInto[AddCommentParams](raw)
	case KindCallWebhook:
		p, err = decodeInto[CallWebhookParams](raw)
	case KindDelay:
		p, err = decodeInto[DelayParams](raw)
	case KindBranch:
		p, err = decodeInto[BranchParams](raw)
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown action kind %q", kind)
	}
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode %s params: %s", kind, err.Error()).WithCause(err)
	}
	return p, nil
}

func decodeInto[T ActionParams](raw json.RawMessage) (ActionParams, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := strictUnmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// actionJSON is the wire form of Action; Params travels as a raw block
// tagged by Kind.
type actionJSON struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflow_id"`
	Order           int             `json:"order"`
	Kind            ActionKind      `json:"kind"`
	Params          json.RawMessage `json:"params,omitempty"`
	Condition       *Condition      `json:"condition,omitempty"`
	ContinueOnError bool            `json:"continue_on_error,omitempty"`
	Timeout         string          `json:"timeout,omitempty"`
}

// MarshalJSON emits the tagged wire form.
func (a Action) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if a.Params != nil {
		b, err := json.Marshal(a.Params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(actionJSON{
		ID:              a.ID,
		WorkflowID:      a.WorkflowID,
		Order:           a.Order,
		Kind:            a.Kind,
		Params:          raw,
		Condition:       a.Condition,
		ContinueOnError: a.ContinueOnError,
		Timeout:         a.Timeout,
	})
}

// UnmarshalJSON decodes the tagged wire form into the typed variant.
func (a *Action) UnmarshalJSON(data []byte) error {
	var w actionJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	params, err := DecodeParams(w.Kind, w.Params)
	if err != nil {
		return err
	}
	a.ID = w.ID
	a.WorkflowID = w.WorkflowID
	a.Order = w.Order
	a.Kind = w.Kind
	a.Params = params
	a.Condition = w.Condition
	a.ContinueOnError = w.ContinueOnError
	a.Timeout = w.Timeout
	return nil
}
