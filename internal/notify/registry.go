// Package notify fans verification results out to the clients watching a
// puzzle.
package notify

import (
	"log"
	"strconv"
	"sync"

	"puzzlehost/api/internal/util"
)

// Channel is one live subscriber connection.
type Channel interface {
	Send(payload string) error
}

// Registry maps a puzzle id to the channels currently watching it. It is built
// once per process and shared by the dispatcher and the connection handler.
type Registry struct {
	mu       sync.Mutex
	channels map[string]map[Channel]struct{}
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]map[Channel]struct{})}
}

// canonical maps every spelling of an id onto one registry key.
func canonical(puzzleID string) string {
	if id, ok := util.ParseID(puzzleID); ok {
		return id
	}
	return puzzleID
}

// Subscribe adds ch to the puzzle's set. It is a no-op returning false when
// puzzleID is not a valid identifier.
func (r *Registry) Subscribe(puzzleID string, ch Channel) bool {
	id, ok := util.ParseID(puzzleID)
	if ch == nil || !ok {
		return false
	}
	puzzleID = id
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.channels[puzzleID]
	if !ok {
		set = make(map[Channel]struct{})
		r.channels[puzzleID] = set
	}
	set[ch] = struct{}{}
	return true
}

// Unsubscribe is safe to call for channels that were never or are no longer
// subscribed.
func (r *Registry) Unsubscribe(puzzleID string, ch Channel) {
	puzzleID = canonical(puzzleID)
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.channels[puzzleID]
	if !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(r.channels, puzzleID)
	}
}

// Broadcast sends payload to every channel of the puzzle and returns how many
// sends succeeded. A failing channel is logged and skipped. Channels must not
// block in Send; the websocket peer only queues the frame.
func (r *Registry) Broadcast(puzzleID, payload string) int {
	puzzleID = canonical(puzzleID)
	r.mu.Lock()
	targets := make([]Channel, 0, len(r.channels[puzzleID]))
	for ch := range r.channels[puzzleID] {
		targets = append(targets, ch)
	}
	r.mu.Unlock()

	delivered := 0
	for _, ch := range targets {
		if err := ch.Send(payload); err != nil {
			log.Printf("notify: send to subscriber of puzzle %s failed: %v", puzzleID, err)
			continue
		}
		delivered++
	}
	return delivered
}

// Consume implements Consumer for puzzle-verified events.
func (r *Registry) Consume(event Event) {
	if event.Name != EventPuzzleVerified {
		return
	}
	r.Broadcast(event.PuzzleID, strconv.FormatBool(event.Correct))
}

func (r *Registry) Subscribers(puzzleID string) int {
	puzzleID = canonical(puzzleID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels[puzzleID])
}
