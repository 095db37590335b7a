package scenario

import (
	"os"
	"path/filepath"
	"testing"

	"regent.ai/internal/sim/state"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	raw := `
title: Border March
resources:
  - name: treasury
    amount: 250
    min: 0
  - name: Winter Grain
    amount: 40
settlements:
  - id: ashford
    name: Ashford
    type: town
    population: 800
    defense: 4
    prosperity: 5
`
	if err := os.WriteFile(filepath.Join(dir, "scenario.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sc.Title != "Border March" {
		t.Fatalf("title = %q", sc.Title)
	}
	if len(sc.Resources) != 2 || sc.Resources[0].Amount != 250 {
		t.Fatalf("resources = %+v", sc.Resources)
	}

	st := state.NewStore()
	if err := sc.Bootstrap(st); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	// Spaced human names become underscore path segments.
	v, err := st.Read("resources.winter_grain")
	if err != nil || v.Int != 40 {
		t.Fatalf("winter_grain = %+v, %v", v, err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatalf("expected error for missing scenario.yaml")
	}
}

func TestBootstrap_Bounds(t *testing.T) {
	sc := Default()
	sc.Settlements = []SettlementDef{{ID: "ashford", Name: "Ashford", Type: "town", Population: 800, Defense: 4, Prosperity: 5}}
	sc.Populations = []PopulationDef{{Class: "peasants", Count: 700, Approval: 55}}
	sc.Infrastructure = []InfraDef{{ID: "keep", Name: "Keep", Type: "fortification", Condition: 80}}
	sc.Factions = []FactionDef{{ID: "guild", Name: "Weavers' Guild", Power: 3, Disposition: 60}}

	st := state.NewStore()
	if err := sc.Bootstrap(st); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	// Resources floor at zero by default.
	if err := st.Write("resources.treasury", state.IntValue(-200), state.ModeDelta); err == nil {
		t.Fatalf("treasury went negative")
	}
	// Defense is capped at 10.
	if err := st.Write("settlements.ashford.defense", state.IntValue(11), state.ModeSet); err == nil {
		t.Fatalf("defense exceeded its cap")
	}
	// Approval lives in 0..100.
	if err := st.Write("population.peasants.approval", state.IntValue(101), state.ModeSet); err == nil {
		t.Fatalf("approval exceeded its cap")
	}
	if err := st.Write("infrastructure.keep.condition", state.IntValue(-1), state.ModeSet); err == nil {
		t.Fatalf("condition went negative")
	}
	if v, err := st.Read("factions.guild.exists"); err != nil || !v.Bool {
		t.Fatalf("faction exists = %+v, %v", v, err)
	}
}

func TestBootstrap_DuplicateResource(t *testing.T) {
	sc := Default()
	sc.Resources = append(sc.Resources, ResourceDef{Name: "treasury", Amount: 1})
	if err := sc.Bootstrap(state.NewStore()); err == nil {
		t.Fatalf("duplicate resource accepted")
	}
}

func TestDigest_TracksContent(t *testing.T) {
	a := Default()
	b := Default()
	if a.Digest() != b.Digest() {
		t.Fatalf("identical scenarios digest differently")
	}
	b.Resources[0].Amount++
	if a.Digest() == b.Digest() {
		t.Fatalf("digest ignored a content change")
	}
}
