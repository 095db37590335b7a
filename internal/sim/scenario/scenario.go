// Package scenario loads the bootstrap world definition. Bootstrap is
// the only moment paths are defined outside the claim pipeline.
package scenario

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"regent.ai/internal/sim/state"
)

type Scenario struct {
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	Resources      []ResourceDef   `yaml:"resources" json:"resources"`
	Settlements    []SettlementDef `yaml:"settlements,omitempty" json:"settlements,omitempty"`
	Factions       []FactionDef    `yaml:"factions,omitempty" json:"factions,omitempty"`
	Populations    []PopulationDef `yaml:"populations,omitempty" json:"populations,omitempty"`
	Infrastructure []InfraDef      `yaml:"infrastructure,omitempty" json:"infrastructure,omitempty"`
}

type ResourceDef struct {
	Name   string `yaml:"name" json:"name"`
	Amount int64  `yaml:"amount" json:"amount"`
	Min    *int64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max    *int64 `yaml:"max,omitempty" json:"max,omitempty"`
}

type SettlementDef struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	Type       string `yaml:"type" json:"type"` // castle, town, village, outpost, camp
	Population int64  `yaml:"population" json:"population"`
	Defense    int64  `yaml:"defense" json:"defense"`
	Prosperity int64  `yaml:"prosperity" json:"prosperity"`
}

type FactionDef struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Power       int64  `yaml:"power" json:"power"`
	Disposition int64  `yaml:"disposition" json:"disposition"`
}

type PopulationDef struct {
	Class    string `yaml:"class" json:"class"`
	Count    int64  `yaml:"count" json:"count"`
	Approval int64  `yaml:"approval" json:"approval"`
}

type InfraDef struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	Type      string `yaml:"type" json:"type"`
	Condition int64  `yaml:"condition" json:"condition"`
}

// Load reads <configDir>/scenario.yaml.
func Load(configDir string) (*Scenario, error) {
	raw, err := os.ReadFile(filepath.Join(configDir, "scenario.yaml"))
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("scenario.yaml: %w", err)
	}
	if sc.Title == "" {
		sc.Title = "Untitled Realm"
	}
	return &sc, nil
}

// Default is a small scenario used by tests and fresh realms without a
// config file.
func Default() *Scenario {
	min0 := int64(0)
	return &Scenario{
		Title: "Untitled Realm",
		Resources: []ResourceDef{
			{Name: "treasury", Amount: 100, Min: &min0},
			{Name: "food", Amount: 100, Min: &min0},
			{Name: "timber", Amount: 50, Min: &min0},
			{Name: "iron", Amount: 25, Min: &min0},
			{Name: "labor", Amount: 50, Min: &min0},
		},
	}
}

// Digest is a stable hash of the scenario definition, reported in
// WELCOME and recorded in saves.
func (sc *Scenario) Digest() string {
	b, _ := json.Marshal(sc)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Bootstrap defines every scenario path on a fresh store at tick 0.
func (sc *Scenario) Bootstrap(store *state.Store) error {
	def := func(path string, v state.Value, b *state.Bounds) error {
		if err := store.DefinePath(path, v, b, 0); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		return nil
	}
	for _, r := range sc.Resources {
		b := &state.Bounds{}
		if r.Min != nil {
			b.Min, b.HasMin = *r.Min, true
		}
		if r.Max != nil {
			b.Max, b.HasMax = *r.Max, true
		}
		if r.Min == nil && r.Max == nil {
			b = state.NonNegative()
		}
		if err := def("resources."+key(r.Name), state.IntValue(r.Amount), b); err != nil {
			return err
		}
	}
	for _, s := range sc.Settlements {
		base := "settlements." + key(s.ID)
		if err := def(base+".population", state.IntValue(s.Population), state.NonNegative()); err != nil {
			return err
		}
		if err := def(base+".defense", state.IntValue(s.Defense), state.MinMax(0, 10)); err != nil {
			return err
		}
		if err := def(base+".prosperity", state.IntValue(s.Prosperity), state.MinMax(0, 10)); err != nil {
			return err
		}
	}
	for _, f := range sc.Factions {
		base := "factions." + key(f.ID)
		if err := def(base+".exists", state.BoolValue(true), nil); err != nil {
			return err
		}
		if err := def(base+".power", state.IntValue(f.Power), state.MinMax(0, 10)); err != nil {
			return err
		}
		if err := def(base+".disposition", state.IntValue(f.Disposition), state.MinMax(0, 100)); err != nil {
			return err
		}
	}
	for _, p := range sc.Populations {
		base := "population." + key(p.Class)
		if err := def(base+".count", state.IntValue(p.Count), state.NonNegative()); err != nil {
			return err
		}
		if err := def(base+".approval", state.IntValue(p.Approval), state.MinMax(0, 100)); err != nil {
			return err
		}
	}
	for _, in := range sc.Infrastructure {
		if err := def("infrastructure."+key(in.ID)+".condition", state.IntValue(in.Condition), state.MinMax(0, 100)); err != nil {
			return err
		}
	}
	return nil
}

// key lowercases a human name into a path segment.
func key(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return s
}
