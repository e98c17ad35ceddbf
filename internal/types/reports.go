package types

// StepUpdate is one incremental step event reported by an executor. Nil fields
// are left untouched when the update is merged into a progress snapshot.
type StepUpdate struct {
	StepID   string            `json:"step_id" validate:"required,max=128"`
	Status   StepStatus        `json:"status,omitempty" validate:"omitempty,oneof=queued running success failure skipped"`
	Progress *StepMeterPatch   `json:"progress,omitempty"`
	Results  *StepResultsPatch `json:"results,omitempty"`
	Errors   []StepError       `json:"errors,omitempty"`
}

// StepMeterPatch is a partial StepMeter.
type StepMeterPatch struct {
	Percent *float64 `json:"percent,omitempty"`
	Label   *string  `json:"label,omitempty"`
	Current *int     `json:"current,omitempty" validate:"omitempty,min=0"`
	Total   *int     `json:"total,omitempty" validate:"omitempty,min=0"`
}

// StepResultsPatch is a partial StepResults. Metrics are merged key by key.
type StepResultsPatch struct {
	Summary *string        `json:"summary,omitempty"`
	Metrics map[string]any `json:"metrics,omitempty"`
	Quality *QualityPatch  `json:"quality,omitempty"`
}

// QualityPatch is a partial Quality.
type QualityPatch struct {
	ScorePercent *float64 `json:"score_percent,omitempty"`
	Notes        *string  `json:"notes,omitempty"`
}

// FinalStats carries the stats sections an executor reports on completion.
// Nil sections keep their current values.
type FinalStats struct {
	Credits *CreditStats  `json:"credits,omitempty"`
	Timing  *TimingStats  `json:"timing,omitempty"`
	Counts  *CountStats   `json:"counts,omitempty"`
	Quality *QualityStats `json:"quality,omitempty"`
}

// Apply overlays the reported sections onto s.
func (f FinalStats) Apply(s *Stats) {
	if f.Credits != nil {
		s.Credits = *f.Credits
	}
	if f.Timing != nil {
		s.Timing = *f.Timing
	}
	if f.Counts != nil {
		s.Counts = *f.Counts
	}
	if f.Quality != nil {
		s.Quality = *f.Quality
	}
}

// FailureSummary is what an executor reports when a run cannot finish.
type FailureSummary struct {
	Code    string `json:"code,omitempty" validate:"max=64"`
	Message string `json:"message" validate:"required,max=4096"`
	StepID  string `json:"step_id,omitempty" validate:"max=128"`
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T {
	return &v
}
