package types

import (
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// CreateRunRequest is the body of POST /runs. Both snake_case and camelCase
// correlation ids are accepted; the snake_case form wins when both are set.
type CreateRunRequest struct {
	Plan              map[string]any `json:"plan,omitempty"`
	PlanJSON          map[string]any `json:"plan_json,omitempty"`
	ConversationID    string         `json:"conversation_id,omitempty" validate:"max=128"`
	ConversationIDAlt string         `json:"conversationId,omitempty" validate:"max=128"`
	CampaignID        string         `json:"campaign_id,omitempty" validate:"max=128"`
	CampaignIDAlt     string         `json:"campaignId,omitempty" validate:"max=128"`
}

// Validate validates the CreateRunRequest using the validator.
func (r *CreateRunRequest) Validate() error {
	return validate.Struct(r)
}

// PlanDocument returns the raw plan, preferring plan_json over plan.
func (r *CreateRunRequest) PlanDocument() map[string]any {
	if r.PlanJSON != nil {
		return r.PlanJSON
	}
	return r.Plan
}

// Conversation returns the conversation id or nil.
func (r *CreateRunRequest) Conversation() *string {
	return firstNonEmpty(r.ConversationID, r.ConversationIDAlt)
}

// Campaign returns the campaign id or nil.
func (r *CreateRunRequest) Campaign() *string {
	return firstNonEmpty(r.CampaignID, r.CampaignIDAlt)
}

func firstNonEmpty(values ...string) *string {
	for _, v := range values {
		if v != "" {
			return &v
		}
	}
	return nil
}

// Validate validates the StepUpdate using the validator.
func (u *StepUpdate) Validate() error {
	return validate.Struct(u)
}

// ToolCallRequest is the body of the executor's tool call report.
type ToolCallRequest struct {
	ToolCall ToolCall `json:"toolcall"`
}

// Validate validates the ToolCallRequest using the validator.
func (r *ToolCallRequest) Validate() error {
	return validate.Struct(r)
}

// ArtifactRequest is the body of the executor's artifact report.
type ArtifactRequest struct {
	Artifact Artifact `json:"artifact"`
}

// Validate validates the ArtifactRequest using the validator.
func (r *ArtifactRequest) Validate() error {
	return validate.Struct(r)
}

// CompletionRequest is the body of the executor's completion report.
type CompletionRequest struct {
	Stats FinalStats `json:"stats"`
}

// FailureRequest is the body of the executor's failure report.
type FailureRequest struct {
	FailureSummary
}

// Validate validates the FailureRequest using the validator.
func (r *FailureRequest) Validate() error {
	return validate.Struct(r)
}
