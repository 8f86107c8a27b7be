// Package stringset implements an ordered set of distinct strings.
//
// Order is insertion order, not sorted order; Equal is therefore
// order-sensitive and doubles as a cheap change detector for sets that only
// ever grow (such as the set of currently available permissions).
package stringset

import (
	"sort"
	"strings"
)

// Set is an ordered set of distinct strings. The zero value is an empty set
// ready to use.
type Set struct {
	order []string
	index map[string]int
}

// New returns an empty Set.
func New() *Set {
	return &Set{index: make(map[string]int)}
}

// FromSlice builds a Set from a slice, preserving first-seen order and
// dropping duplicates.
func FromSlice(items []string) *Set {
	s := New()
	for _, v := range items {
		s.Add(v)
	}
	return s
}

func (s *Set) ensure() {
	if s.index == nil {
		s.index = make(map[string]int)
	}
}

// Size returns the number of distinct members.
func (s *Set) Size() int {
	return len(s.order)
}

// Empty reports whether the set has no members.
func (s *Set) Empty() bool {
	return len(s.order) == 0
}

// Contains reports whether v is a member.
func (s *Set) Contains(v string) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[v]
	return ok
}

// Add inserts v if not already present. Returns true if the set changed.
func (s *Set) Add(v string) bool {
	s.ensure()
	if _, ok := s.index[v]; ok {
		return false
	}
	s.index[v] = len(s.order)
	s.order = append(s.order, v)
	return true
}

// Remove deletes v if present. Returns true if the set changed.
func (s *Set) Remove(v string) bool {
	s.ensure()
	i, ok := s.index[v]
	if !ok {
		return false
	}
	s.order = append(s.order[:i], s.order[i+1:]...)
	delete(s.index, v)
	for k := i; k < len(s.order); k++ {
		s.index[s.order[k]] = k
	}
	return true
}

// Clear empties the set.
func (s *Set) Clear() {
	s.order = nil
	s.index = make(map[string]int)
}

// Equal reports whether s and other contain the same members in the same
// insertion order.
func (s *Set) Equal(other *Set) bool {
	if s == nil || other == nil {
		return s.Size() == other.Size()
	}
	if len(s.order) != len(other.order) {
		return false
	}
	for i, v := range s.order {
		if other.order[i] != v {
			return false
		}
	}
	return true
}

// UnionInto adds every member of other into s. Returns true if s changed.
func (s *Set) UnionInto(other *Set) bool {
	changed := false
	if other == nil {
		return false
	}
	for _, v := range other.order {
		if s.Add(v) {
			changed = true
		}
	}
	return changed
}

// Copy returns an independent copy of s.
func (s *Set) Copy() *Set {
	out := New()
	if s == nil {
		return out
	}
	out.order = append([]string(nil), s.order...)
	for k, v := range s.index {
		out.index[k] = v
	}
	return out
}

// Assign replaces the contents of s with the contents of other.
func (s *Set) Assign(other *Set) {
	s.Clear()
	s.UnionInto(other)
}

// Swap exchanges the contents of s and other in place.
func (s *Set) Swap(other *Set) {
	s.order, other.order = other.order, s.order
	s.index, other.index = other.index, s.index
}

// FilterIn returns the intersection of s with mask, preserving s's order.
func (s *Set) FilterIn(mask *Set) *Set {
	out := New()
	if s == nil {
		return out
	}
	for _, v := range s.order {
		if mask.Contains(v) {
			out.Add(v)
		}
	}
	return out
}

// FilterOut returns the members of s that are not in mask, preserving s's
// order.
func (s *Set) FilterOut(mask *Set) *Set {
	out := New()
	if s == nil {
		return out
	}
	for _, v := range s.order {
		if !mask.Contains(v) {
			out.Add(v)
		}
	}
	return out
}

// ToSortedSlice returns the members sorted lexically, suitable for
// deterministic D-Bus replies.
func (s *Set) ToSortedSlice() []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

// ToSlice returns the members in insertion order.
func (s *Set) ToSlice() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}

// ToJoinedString renders the set as a comma-separated string.
func (s *Set) ToJoinedString() string {
	return strings.Join(s.ToSlice(), ",")
}
