package store

type User struct {
	ID          string
	DisplayName string
}

type Puzzle struct {
	ID      string
	Name    string
	OwnerID string
	Deleted bool
}

// Answer is one position of a puzzle's expected sequence. AnswerIndex is a
// sort key, not a unique position: several answers may share it.
type Answer struct {
	ID          string
	PuzzleID    string
	Value       string
	AnswerIndex int
}
