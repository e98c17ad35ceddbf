// Package plan turns arbitrary, possibly partial plan documents into canonical plans.
package plan

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hirepilot/agentruns/internal/types"
)

// Defaults applied when a plan document leaves a field out.
const (
	DefaultGenerator      = "rex2"
	DefaultGoalTitle      = "Recruiting execution plan"
	DefaultApprovalReason = "User approval required before run execution."
	DefaultCategory       = "other"
	DefaultCreditUnit     = "credits"
	PlaceholderStepTitle  = "Execute plan"
)

// Source carries the correlation ids of the request that created the plan.
// Non-nil ids take precedence over whatever the document itself says.
type Source struct {
	ConversationID *string
	CampaignID     *string
}

// Normalize builds a canonical plan from doc. It never fails: anything missing or
// malformed is replaced by a default, so the result is always structurally valid.
// Normalizing the map form of an already normalized plan returns the same plan.
func Normalize(doc map[string]any, src Source) types.Plan {
	p := types.Plan{
		SchemaVersion: types.PlanSchemaVersion,
		PlanID:        stringOr(doc["plan_id"], ""),
		CreatedAt:     timeOr(doc["created_at"], time.Now().UTC()),
		Source:        normalizeSource(mapOf(doc["source"]), src),
		Goal:          normalizeGoal(mapOf(doc["goal"])),
		Assumptions:   stringList(doc["assumptions"]),
		Estimates:     normalizeEstimates(mapOf(doc["estimates"])),
		Steps:         normalizeSteps(doc["steps"]),
		Approval:      normalizeApproval(mapOf(doc["approval"])),
	}
	if p.PlanID == "" {
		p.PlanID = uuid.New().String()
	}
	return p
}

// ToMap converts a plan back into its generic document form.
func ToMap(p types.Plan) map[string]any {
	b, err := json.Marshal(p)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func normalizeSource(doc map[string]any, src Source) types.PlanSource {
	out := types.PlanSource{
		Generator:      stringOr(doc["generator"], DefaultGenerator),
		Model:          optionalString(doc["model"]),
		ConversationID: optionalString(doc["conversation_id"]),
		CampaignID:     optionalString(doc["campaign_id"]),
	}
	if src.ConversationID != nil {
		out.ConversationID = src.ConversationID
	}
	if src.CampaignID != nil {
		out.CampaignID = src.CampaignID
	}
	return out
}

func normalizeGoal(doc map[string]any) types.Goal {
	c := mapOf(doc["constraints"])
	return types.Goal{
		Title:       stringOr(doc["title"], DefaultGoalTitle),
		Description: stringOr(doc["description"], ""),
		Constraints: types.Constraints{
			Location:   stringList(c["location"]),
			Seniority:  stringList(c["seniority"]),
			Skills:     stringList(c["skills"]),
			MustHave:   stringList(c["must_have"]),
			NiceToHave: stringList(c["nice_to_have"]),
			Exclude:    stringList(c["exclude"]),
			TimeWindow: normalizeTimeWindow(c["time_window"]),
		},
	}
}

func normalizeTimeWindow(v any) *types.TimeWindow {
	var tw types.TimeWindow
	switch val := v.(type) {
	case string:
		tw.Label = strings.TrimSpace(val)
	case map[string]any:
		tw.From = stringOr(val["from"], "")
		tw.To = stringOr(val["to"], "")
		tw.Label = stringOr(val["label"], "")
	}
	if tw == (types.TimeWindow{}) {
		return nil
	}
	return &tw
}

func normalizeEstimates(doc map[string]any) types.Estimates {
	credits := mapOf(doc["credits"])
	tm := mapOf(doc["time"])
	risk := mapOf(doc["risk"])

	creditMin := nonNegative(floatOr(credits["min"], 0))
	timeMin := nonNegative(floatOr(tm["min_minutes"], 0))

	level := types.RiskLevel(strings.ToLower(stringOr(risk["level"], string(types.RiskLow))))
	if !level.Valid() {
		level = types.RiskLow
	}

	return types.Estimates{
		Credits: types.CreditEstimate{
			Min:   creditMin,
			Max:   max(creditMin, nonNegative(floatOr(credits["max"], 0))),
			Unit:  stringOr(credits["unit"], DefaultCreditUnit),
			Notes: stringOr(credits["notes"], ""),
		},
		Time: types.TimeEstimate{
			MinMinutes: timeMin,
			MaxMinutes: max(timeMin, nonNegative(floatOr(tm["max_minutes"], 0))),
			Notes:      stringOr(tm["notes"], ""),
		},
		Risk: types.RiskEstimate{
			Level: level,
			Notes: stringOr(risk["notes"], ""),
		},
	}
}

func normalizeSteps(v any) []types.PlanStep {
	raw, _ := v.([]any)
	steps := make([]types.PlanStep, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))

	for i, item := range raw {
		var doc map[string]any
		switch val := item.(type) {
		case map[string]any:
			doc = val
		case string:
			// A bare string is read as a step title.
			doc = map[string]any{"title": val}
		default:
			continue
		}

		id := stringOr(doc["step_id"], fmt.Sprintf("step_%d", i+1))
		id = uniqueID(id, seen)

		policy := mapOf(doc["policy"])
		onDep := types.DependencyPolicy(stringOr(policy["on_dependency_failure"], string(types.DependencySkip)))
		if !onDep.Valid() {
			onDep = types.DependencySkip
		}

		steps = append(steps, types.PlanStep{
			StepID:      id,
			Title:       stringOr(doc["title"], id),
			Description: stringOr(doc["description"], ""),
			Category:    stringOr(doc["category"], DefaultCategory),
			DependsOn:   dependsOn(doc["depends_on"], id),
			Policy: types.StepPolicy{
				StopOnFailure:       boolOr(policy["stop_on_failure"], false),
				OnDependencyFailure: onDep,
				Required:            boolOr(policy["required"], false),
			},
		})
	}

	if len(steps) == 0 {
		// TODO(product): confirm whether an empty plan should be rejected upstream
		// instead of running a placeholder step.
		steps = append(steps, types.PlanStep{
			StepID:    "step_1",
			Title:     PlaceholderStepTitle,
			Category:  DefaultCategory,
			DependsOn: []string{},
			Policy:    types.StepPolicy{OnDependencyFailure: types.DependencySkip},
		})
	}
	return steps
}

// uniqueID returns id, or id with a numeric suffix if it was already taken.
func uniqueID(id string, seen map[string]struct{}) string {
	candidate := id
	for n := 2; ; n++ {
		if _, taken := seen[candidate]; !taken {
			break
		}
		candidate = fmt.Sprintf("%s_%d", id, n)
	}
	seen[candidate] = struct{}{}
	return candidate
}

func dependsOn(v any, self string) []string {
	deps := stringList(v)
	out := make([]string, 0, len(deps))
	seen := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		if d == self {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func normalizeApproval(doc map[string]any) types.Approval {
	a := types.Approval{
		Required:   boolOr(doc["required"], true),
		Reason:     stringOr(doc["reason"], DefaultApprovalReason),
		ApprovedBy: optionalString(doc["approved_by"]),
	}
	if t := timeOr(doc["approved_at"], time.Time{}); !t.IsZero() {
		a.ApprovedAt = &t
	}
	return a
}

func mapOf(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// scalarString formats scalar JSON values as strings.
func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	case json.Number:
		return val.String(), true
	}
	return "", false
}

func stringOr(v any, fallback string) string {
	if s, ok := scalarString(v); ok && s != "" {
		return s
	}
	return fallback
}

func optionalString(v any) *string {
	if s, ok := scalarString(v); ok && s != "" {
		return &s
	}
	return nil
}

// stringList coerces v into a list of non-empty strings. Anything that is not an
// array yields an empty, non-nil list; non-scalar elements are dropped.
func stringList(v any) []string {
	out := []string{}
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			if s, ok := scalarString(item); ok && s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range val {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// floatOr reads a finite number from v. NaN and infinities cannot be encoded
// as JSON and fall back like any other malformed value.
func floatOr(v any, fallback float64) float64 {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	return f
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func nonNegative(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}

func boolOr(v any, fallback bool) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return b
		}
	}
	return fallback
}

func timeOr(v any, fallback time.Time) time.Time {
	s, ok := v.(string)
	if !ok {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return t.UTC()
}
