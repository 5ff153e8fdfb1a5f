package notify

const EventPuzzleVerified = "puzzle.verified"

type Event struct {
	Name     string
	PuzzleID string
	Correct  bool
}

// Publisher is the single publish point of the guess path.
type Publisher interface {
	PublishVerified(puzzleID string, correct bool)
}

type Consumer interface {
	Consume(Event)
}

// Dispatcher turns verification results into events for its one consumer.
type Dispatcher struct {
	consumer Consumer
}

func NewDispatcher(consumer Consumer) *Dispatcher {
	return &Dispatcher{consumer: consumer}
}

func (d *Dispatcher) PublishVerified(puzzleID string, correct bool) {
	if d == nil || d.consumer == nil {
		return
	}
	d.consumer.Consume(Event{
		Name:     EventPuzzleVerified,
		PuzzleID: puzzleID,
		Correct:  correct,
	})
}
