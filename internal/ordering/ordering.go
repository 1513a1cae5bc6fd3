// Package ordering assigns dense 1..N ranks to sibling categories or fields.
//
// The engine works on snapshots: callers pass the current sibling set of one
// (parent, level) partition and persist the returned assignment themselves.
package ordering

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidPosition is returned by ParsePosition for unrecognised tokens.
var ErrInvalidPosition = errors.New("invalid position")

type positionKind int

const (
	kindTop positionKind = iota
	kindBottom
	kindBefore
)

// Position is the requested placement of a moved entity.
type Position struct {
	kind   positionKind
	before int64
}

var (
	// Top places the entity first.
	Top = Position{kind: kindTop}
	// Bottom places the entity last.
	Bottom = Position{kind: kindBottom}
)

// Before places the entity relative to the sibling with the given id.
func Before(id int64) Position {
	return Position{kind: kindBefore, before: id}
}

// ParsePosition reads "top", "bottom" or a sibling id.
func ParsePosition(s string) (Position, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "top":
		return Top, nil
	case "bottom":
		return Bottom, nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return Position{}, fmt.Errorf("%w: %q", ErrInvalidPosition, s)
	}
	return Before(id), nil
}

// String renders the position in the same form ParsePosition accepts.
func (p Position) String() string {
	switch p.kind {
	case kindTop:
		return "top"
	case kindBottom:
		return "bottom"
	default:
		return strconv.FormatInt(p.before, 10)
	}
}

// Sibling is the snapshot of one entity in a sibling set.
type Sibling struct {
	ID    int64  `db:"id"`
	Rank  int    `db:"rank"`
	Title string `db:"title"`
}

// Assignment maps entity ids to their new rank.
type Assignment map[int64]int

// Reorder computes the rank of movedID placed at pos and renumbers every other
// sibling around it. movedID may or may not be part of siblings.
//
// For Before(S) the moved entity takes rank(S)-1, or 1 when S is first; the
// remaining siblings are numbered from 1 in (rank, title, id) order skipping
// that slot. Before(movedID) keeps the entity in its current slot.
func Reorder(siblings []Sibling, movedID int64, pos Position) (int, Assignment) {
	others := sorted(siblings, movedID)
	n := len(others)

	rank := 1
	if n > 0 {
		switch pos.kind {
		case kindTop:
			rank = 1
		case kindBottom:
			rank = n + 1
		case kindBefore:
			if pos.before == movedID {
				rank = currentSlot(siblings, movedID)
			} else {
				rank = beforeRank(others, pos.before)
			}
		}
	}

	out := make(Assignment, n+1)
	out[movedID] = rank
	next := 1
	for _, s := range others {
		if next == rank {
			next++
		}
		out[s.ID] = next
		next++
	}
	return rank, out
}

// Compact renumbers siblings 1..N in (rank, title, id) order.
func Compact(siblings []Sibling) Assignment {
	out := make(Assignment, len(siblings))
	for i, s := range sorted(siblings, 0) {
		out[s.ID] = i + 1
	}
	return out
}

// Changed returns the subset of a whose rank differs from the snapshot.
// Ids absent from the snapshot are always included.
func (a Assignment) Changed(siblings []Sibling) Assignment {
	current := make(map[int64]int, len(siblings))
	for _, s := range siblings {
		current[s.ID] = s.Rank
	}
	out := make(Assignment)
	for id, rank := range a {
		if old, ok := current[id]; !ok || old != rank {
			out[id] = rank
		}
	}
	return out
}

// currentSlot is the 1-based position of id in sorted order, or 1 when absent.
func currentSlot(siblings []Sibling, id int64) int {
	for i, s := range sorted(siblings, 0) {
		if s.ID == id {
			return i + 1
		}
	}
	return 1
}

func beforeRank(others []Sibling, target int64) int {
	for _, s := range others {
		if s.ID != target {
			continue
		}
		rank := s.Rank - 1
		if rank <= 0 {
			return 1
		}
		if rank > len(others)+1 {
			return len(others) + 1
		}
		return rank
	}
	return 1
}

// sorted copies siblings without skip and orders them by rank, then title, then id.
func sorted(siblings []Sibling, skip int64) []Sibling {
	out := make([]Sibling, 0, len(siblings))
	for _, s := range siblings {
		if skip != 0 && s.ID == skip {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out
}
