// Package verify checks a guess sequence against a puzzle's stored answers.
package verify

import (
	"sort"

	"puzzlehost/api/internal/store"
)

type Outcome int

const (
	NotFound Outcome = iota
	Correct
	Incorrect
	// TooMany is an incorrect guess that supplied more values than the puzzle
	// has answers.
	TooMany
)

func (o Outcome) String() string {
	switch o {
	case Correct:
		return "Correct"
	case Incorrect, TooMany:
		return "Incorrect"
	default:
		return "NotFound"
	}
}

// Correct reports whether the outcome counts as a solved puzzle.
func (o Outcome) Correct() bool {
	return o == Correct
}

// Expected returns the answer values in expected-sequence order: ascending by
// AnswerIndex, ties kept in their given order. The input is not modified.
func Expected(answers []store.Answer) []string {
	sorted := make([]store.Answer, len(answers))
	copy(sorted, answers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].AnswerIndex < sorted[j].AnswerIndex
	})
	values := make([]string, len(sorted))
	for i, answer := range sorted {
		values[i] = answer.Value
	}
	return values
}

// Check requires the full expected sequence: a matching prefix that is too
// short is Incorrect, and any extra guess is TooMany.
func Check(answers []store.Answer, guesses []string) Outcome {
	if len(answers) == 0 {
		return NotFound
	}
	expected := Expected(answers)
	if len(guesses) > len(expected) {
		return TooMany
	}
	if len(guesses) < len(expected) {
		return Incorrect
	}
	for i, guess := range guesses {
		if guess != expected[i] {
			return Incorrect
		}
	}
	return Correct
}
