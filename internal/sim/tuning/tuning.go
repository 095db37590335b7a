package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	// Risk classification thresholds (re-read on every request).
	MajorDeltaThreshold int64 `yaml:"major_delta_threshold"`
	MajorDurationDays   int   `yaml:"major_duration_days"`

	// Time progression.
	MaxAdvanceDays int `yaml:"max_advance_days"`

	// Daily upkeep.
	FoodPerHundredPop       int64 `yaml:"food_per_hundred_pop"`
	ShortageApprovalPenalty int64 `yaml:"shortage_approval_penalty"`

	// Periodic checks.
	UnrestApprovalFloor int64 `yaml:"unrest_approval_floor"`
	UnrestCheckDays     int   `yaml:"unrest_check_days"`
	DecayCheckDays      int   `yaml:"decay_check_days"`
	DecayPerCheck       int64 `yaml:"decay_per_check"`

	// Chronicle retention (in-memory ring; the journal keeps everything).
	RecentEventCap int `yaml:"recent_event_cap"`
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.ApplyDefaults()
	return t, nil
}

func Defaults() Tuning {
	var t Tuning
	t.ApplyDefaults()
	return t
}

func (t *Tuning) ApplyDefaults() {
	if t.MajorDeltaThreshold <= 0 {
		t.MajorDeltaThreshold = 100
	}
	if t.MajorDurationDays <= 0 {
		t.MajorDurationDays = 14
	}
	if t.MaxAdvanceDays <= 0 {
		t.MaxAdvanceDays = 30
	}
	if t.FoodPerHundredPop <= 0 {
		t.FoodPerHundredPop = 1
	}
	if t.ShortageApprovalPenalty <= 0 {
		t.ShortageApprovalPenalty = 5
	}
	if t.UnrestApprovalFloor <= 0 {
		t.UnrestApprovalFloor = 25
	}
	if t.UnrestCheckDays <= 0 {
		t.UnrestCheckDays = 7
	}
	if t.DecayCheckDays <= 0 {
		t.DecayCheckDays = 30
	}
	if t.DecayPerCheck <= 0 {
		t.DecayPerCheck = 5
	}
	if t.RecentEventCap <= 0 {
		t.RecentEventCap = 512
	}
}
