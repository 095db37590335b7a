package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	d := Defaults()
	if d.MajorDeltaThreshold != 100 || d.MajorDurationDays != 14 || d.MaxAdvanceDays != 30 {
		t.Fatalf("defaults = %+v", d)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(p, []byte("major_delta_threshold: 250\nmax_advance_days: 7\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.MajorDeltaThreshold != 250 || got.MaxAdvanceDays != 7 {
		t.Fatalf("overrides not applied: %+v", got)
	}
	if got.MajorDurationDays != 14 || got.UnrestCheckDays != 7 {
		t.Fatalf("defaults not filled: %+v", got)
	}
}
