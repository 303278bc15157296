package binaryagreement

import "strings"

// BinarySet is an immutable subset of {false, true}, stored as a two-bit mask.
type BinarySet uint8

const (
	EmptySet BinarySet = 0b00
	FalseSet BinarySet = 0b01
	TrueSet  BinarySet = 0b10
	BothSet  BinarySet = 0b11
)

func bitOf(b bool) BinarySet {
	if b {
		return TrueSet
	}
	return FalseSet
}

// NewBinarySet returns the set holding the given bits.
func NewBinarySet(bits ...bool) BinarySet {
	s := EmptySet
	for _, b := range bits {
		s = s.Add(b)
	}
	return s
}

// Add returns a new set that also contains b.
func (s BinarySet) Add(b bool) BinarySet { return s | bitOf(b) }

func (s BinarySet) Contains(b bool) bool { return s&bitOf(b) != 0 }

// ContainsSet reports whether other is a subset of s.
func (s BinarySet) ContainsSet(other BinarySet) bool { return other&s == other }

func (s BinarySet) Count() int {
	switch s & BothSet {
	case EmptySet:
		return 0
	case BothSet:
		return 2
	}
	return 1
}

// Values lists the members in canonical order, false before true. Callers that pick
// Values()[0] rely on this order being identical on every validator.
func (s BinarySet) Values() []bool {
	values := make([]bool, 0, 2)
	if s.Contains(false) {
		values = append(values, false)
	}
	if s.Contains(true) {
		values = append(values, true)
	}
	return values
}

// Definite returns the single member of a one-element set.
func (s BinarySet) Definite() (bool, bool) {
	switch s & BothSet {
	case TrueSet:
		return true, true
	case FalseSet:
		return false, true
	}
	return false, false
}

// Valid reports whether s only uses the two defined bits.
func (s BinarySet) Valid() bool { return s&^BothSet == 0 }

func (s BinarySet) String() string {
	parts := make([]string, 0, 2)
	for _, v := range s.Values() {
		if v {
			parts = append(parts, "1")
		} else {
			parts = append(parts, "0")
		}
	}
	return "{" + strings.Join(parts, ",") + "}"
}
