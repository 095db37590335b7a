// Package state holds the canonical world model: a flat tree of typed
// scalar leaves addressed by dot-paths (e.g. "resources.treasury").
// All mutation goes through Write/DefinePath so bounds and types are
// enforced at the single place state can change.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrPathNotFound   = errors.New("path not found")
	ErrRangeViolation = errors.New("range violation")
	ErrTypeMismatch   = errors.New("type mismatch")
	ErrPathExists     = errors.New("path already exists")
	ErrBadPath        = errors.New("malformed path")
)

type Kind uint8

const (
	KindInt Kind = iota + 1
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	}
	return "unknown"
}

// Value is a typed scalar leaf value.
type Value struct {
	Kind Kind
	Int  int64
	Bool bool
	Str  string
}

func IntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func BoolValue(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.Int == o.Int
	case KindBool:
		return v.Bool == o.Bool
	case KindString:
		return v.Str == o.Str
	}
	return false
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindString:
		return v.Str
	}
	return "?"
}

// Bounds is the declared valid range of a numeric leaf.
type Bounds struct {
	Min    int64
	Max    int64
	HasMin bool
	HasMax bool
}

func MinMax(min, max int64) *Bounds { return &Bounds{Min: min, Max: max, HasMin: true, HasMax: true} }
func NonNegative() *Bounds          { return &Bounds{Min: 0, HasMin: true} }

func (b *Bounds) allows(v int64) bool {
	if b == nil {
		return true
	}
	if b.HasMin && v < b.Min {
		return false
	}
	if b.HasMax && v > b.Max {
		return false
	}
	return true
}

type WriteMode uint8

const (
	ModeSet WriteMode = iota + 1
	ModeDelta
)

type Leaf struct {
	Value         Value
	Bounds        *Bounds
	DefinedAtTick uint64
}

// PathRecord is the serializable form of one leaf, used by snapshots.
type PathRecord struct {
	Path          string
	Value         Value
	Bounds        *Bounds
	DefinedAtTick uint64
}

var pathRe = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)*$`)

// Store owns the leaves. It is not goroutine-safe: the session loop
// serializes all access (one writer at a time).
type Store struct {
	leaves map[string]*Leaf
	order  []string // definition order, for deterministic iteration
}

func NewStore() *Store {
	return &Store{leaves: map[string]*Leaf{}}
}

func (s *Store) Has(path string) bool {
	_, ok := s.leaves[path]
	return ok
}

func (s *Store) Read(path string) (Value, error) {
	l, ok := s.leaves[path]
	if !ok {
		return Value{}, fmt.Errorf("read %q: %w", path, ErrPathNotFound)
	}
	return l.Value, nil
}

// Bounds returns the declared bounds of a leaf, or nil if unbounded.
func (s *Store) Bounds(path string) (*Bounds, error) {
	l, ok := s.leaves[path]
	if !ok {
		return nil, fmt.Errorf("bounds %q: %w", path, ErrPathNotFound)
	}
	return l.Bounds, nil
}

// Write mutates one leaf. ModeSet replaces the value (kinds must match);
// ModeDelta adds v.Int to a numeric leaf. The write is atomic: on any
// error the leaf is unchanged.
func (s *Store) Write(path string, v Value, mode WriteMode) error {
	l, ok := s.leaves[path]
	if !ok {
		return fmt.Errorf("write %q: %w", path, ErrPathNotFound)
	}
	switch mode {
	case ModeSet:
		if v.Kind != l.Value.Kind {
			return fmt.Errorf("write %q: set %s on %s leaf: %w", path, v.Kind, l.Value.Kind, ErrTypeMismatch)
		}
		if v.Kind == KindInt && !l.Bounds.allows(v.Int) {
			return fmt.Errorf("write %q: value %d out of bounds: %w", path, v.Int, ErrRangeViolation)
		}
		l.Value = v
	case ModeDelta:
		if l.Value.Kind != KindInt || v.Kind != KindInt {
			return fmt.Errorf("write %q: delta on %s leaf: %w", path, l.Value.Kind, ErrTypeMismatch)
		}
		next := l.Value.Int + v.Int
		if !l.Bounds.allows(next) {
			return fmt.Errorf("write %q: %d%+d out of bounds: %w", path, l.Value.Int, v.Int, ErrRangeViolation)
		}
		l.Value.Int = next
	default:
		return fmt.Errorf("write %q: unknown mode %d", path, mode)
	}
	return nil
}

// DefinePath registers a new leaf. Only scenario bootstrap and approved
// claims call this; everything else mutates existing leaves.
func (s *Store) DefinePath(path string, initial Value, b *Bounds, tick uint64) error {
	if !pathRe.MatchString(path) {
		return fmt.Errorf("define %q: %w", path, ErrBadPath)
	}
	if _, ok := s.leaves[path]; ok {
		return fmt.Errorf("define %q: %w", path, ErrPathExists)
	}
	if initial.Kind == 0 {
		return fmt.Errorf("define %q: untyped initial value: %w", path, ErrTypeMismatch)
	}
	if initial.Kind != KindInt && b != nil {
		return fmt.Errorf("define %q: bounds on %s leaf: %w", path, initial.Kind, ErrTypeMismatch)
	}
	if initial.Kind == KindInt && !b.allows(initial.Int) {
		return fmt.Errorf("define %q: initial %d out of bounds: %w", path, initial.Int, ErrRangeViolation)
	}
	s.leaves[path] = &Leaf{Value: initial, Bounds: b, DefinedAtTick: tick}
	s.order = append(s.order, path)
	return nil
}

// Paths returns all defined paths with the given prefix (use "" for all),
// sorted for deterministic iteration.
func (s *Store) Paths(prefix string) []string {
	out := make([]string, 0, len(s.leaves))
	for p := range s.leaves {
		if prefix == "" || p == prefix || strings.HasPrefix(p, prefix+".") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Store) Len() int { return len(s.leaves) }

// Export returns every leaf in definition order.
func (s *Store) Export() []PathRecord {
	out := make([]PathRecord, 0, len(s.order))
	for _, p := range s.order {
		l := s.leaves[p]
		var b *Bounds
		if l.Bounds != nil {
			cp := *l.Bounds
			b = &cp
		}
		out = append(out, PathRecord{Path: p, Value: l.Value, Bounds: b, DefinedAtTick: l.DefinedAtTick})
	}
	return out
}

// Import rebuilds the store from exported records. The store must be fresh.
func (s *Store) Import(recs []PathRecord) error {
	if len(s.leaves) != 0 {
		return fmt.Errorf("import into non-empty store")
	}
	for _, r := range recs {
		if err := s.DefinePath(r.Path, r.Value, r.Bounds, r.DefinedAtTick); err != nil {
			return err
		}
	}
	return nil
}

// Digest is a deterministic hash of the full state, used by tests and
// the chronicle to detect divergence.
func (s *Store) Digest() string {
	h := sha256.New()
	for _, p := range s.Paths("") {
		l := s.leaves[p]
		fmt.Fprintf(h, "%s=%d:%s;", p, l.Value.Kind, l.Value.String())
		if l.Bounds != nil {
			fmt.Fprintf(h, "[%t:%d,%t:%d]", l.Bounds.HasMin, l.Bounds.Min, l.Bounds.HasMax, l.Bounds.Max)
		}
		fmt.Fprintf(h, "@%d\n", l.DefinedAtTick)
	}
	return hex.EncodeToString(h.Sum(nil))
}
