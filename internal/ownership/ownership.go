// Package ownership decides whether a caller may administer a puzzle.
package ownership

import (
	"context"
	"fmt"

	"puzzlehost/api/internal/store"
)

// Decision is the three-valued outcome of an ownership check. Callers must
// keep NotFound and Deny apart; they map to different responses.
type Decision int

const (
	NotFound Decision = iota
	Deny
	Allow
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "not_found"
	}
}

type PuzzleLookup interface {
	GetPuzzle(context.Context, string) (store.Puzzle, bool, error)
}

type Gate struct {
	puzzles PuzzleLookup
}

func NewGate(puzzles PuzzleLookup) *Gate {
	return &Gate{puzzles: puzzles}
}

// Check looks the puzzle up and applies Decide. A lookup failure is returned
// as an error and never folded into a Decision.
func (g *Gate) Check(ctx context.Context, puzzleID, identity string) (Decision, error) {
	puzzle, found, err := g.puzzles.GetPuzzle(ctx, puzzleID)
	if err != nil {
		return NotFound, fmt.Errorf("ownership lookup %s: %w", puzzleID, err)
	}
	return Decide(puzzle, found, identity), nil
}

func Decide(puzzle store.Puzzle, found bool, identity string) Decision {
	switch {
	case !found:
		return NotFound
	case identity == "" || puzzle.OwnerID != identity:
		return Deny
	default:
		return Allow
	}
}
