// Package snapshot reads and writes realm save files: a JSON header
// line followed by a gob payload, zstd-compressed. The DTOs here are
// deliberately flat and free of sim imports so old saves stay decodable
// as the sim types evolve.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

type Header struct {
	Version int    `json:"version"`
	RealmID string `json:"realm_id"`
	Tick    uint64 `json:"tick"`
}

type SaveV1 struct {
	Header Header `json:"header"`

	ScenarioTitle  string `json:"scenario_title"`
	ScenarioDigest string `json:"scenario_digest"`

	Paths   []PathV1    `json:"paths"`
	Orders  []OrderV1   `json:"orders"`
	Claims  []ClaimV1   `json:"claims"`
	Pending []RequestV1 `json:"pending"`

	LockedPaths []string `json:"locked_paths,omitempty"`
	EventSeq    uint64   `json:"event_seq"`

	Counters CountersV1 `json:"counters"`
}

type CountersV1 struct {
	NextOrder   uint64 `json:"next_order"`
	NextClaim   uint64 `json:"next_claim"`
	NextRequest uint64 `json:"next_request"`
	NextGroup   uint64 `json:"next_group"`
	NextSession uint64 `json:"next_session"`
}

// ValueV1 mirrors state.Value. Kind: 1=int 2=bool 3=string.
type ValueV1 struct {
	Kind uint8  `json:"kind"`
	Int  int64  `json:"int,omitempty"`
	Bool bool   `json:"bool,omitempty"`
	Str  string `json:"str,omitempty"`
}

type BoundsV1 struct {
	Min    int64 `json:"min,omitempty"`
	Max    int64 `json:"max,omitempty"`
	HasMin bool  `json:"has_min,omitempty"`
	HasMax bool  `json:"has_max,omitempty"`
}

type PathV1 struct {
	Path          string    `json:"path"`
	Value         ValueV1   `json:"value"`
	Bounds        *BoundsV1 `json:"bounds,omitempty"`
	DefinedAtTick uint64    `json:"defined_at_tick"`
}

type EffectV1 struct {
	Path  string   `json:"path"`
	Delta int64    `json:"delta,omitempty"`
	Set   *ValueV1 `json:"set,omitempty"`
}

type OrderV1 struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	DurationDays  int        `json:"duration_days"`
	ElapsedDays   int        `json:"elapsed_days"`
	Status        string     `json:"status"`
	Effects       []EffectV1 `json:"effects"`
	CreatedAtTick uint64     `json:"created_at_tick"`
	Outcome       string     `json:"outcome,omitempty"`
}

type ClaimV1 struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	Value         ValueV1   `json:"value"`
	Define        bool      `json:"define,omitempty"`
	Bounds        *BoundsV1 `json:"bounds,omitempty"`
	Note          string    `json:"note,omitempty"`
	Proposer      string    `json:"proposer"`
	Status        string    `json:"status"`
	CreatedAtTick uint64    `json:"created_at_tick"`
	ResolvedBy    string    `json:"resolved_by,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

type ChangeV1 struct {
	Path   string    `json:"path"`
	Delta  int64     `json:"delta,omitempty"`
	Set    *ValueV1  `json:"set,omitempty"`
	Define bool      `json:"define,omitempty"`
	Bounds *BoundsV1 `json:"bounds,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

type OrderReqV1 struct {
	Description  string     `json:"description"`
	AssignedTo   string     `json:"assigned_to,omitempty"`
	DurationDays int        `json:"duration_days"`
	Effects      []EffectV1 `json:"effects"`
}

// RequestV1 is a queued approval-tier request.
type RequestV1 struct {
	ID            string      `json:"id"`
	Kind          string      `json:"kind"`
	Origin        string      `json:"origin,omitempty"`
	Order         *OrderReqV1 `json:"order,omitempty"`
	Change        *ChangeV1   `json:"change,omitempty"`
	CreatedAtTick uint64      `json:"created_at_tick"`
}

func WriteSave(path string, save SaveV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(save.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&save); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSave(path string) (SaveV1, error) {
	var save SaveV1
	f, err := os.Open(path)
	if err != nil {
		return save, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return save, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line is for quick inspection; gob carries it too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&save); err != nil {
		return save, fmt.Errorf("gob decode: %w", err)
	}
	return save, nil
}
