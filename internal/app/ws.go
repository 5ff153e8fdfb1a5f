package app

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"
	"puzzlehost/api/internal/util"
)

const peerQueueSize = 16

var (
	errPeerQueueFull = errors.New("subscriber send queue full")
	errPeerClosed    = errors.New("subscriber closed")
)

// wsPeer is one subscriber connection. Send only queues the frame; writeLoop
// is the single writer, so a slow client never holds up a broadcast.
type wsPeer struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	queue        chan string

	mu     sync.Mutex
	closed bool
}

func newWSPeer(conn *websocket.Conn, writeTimeout time.Duration) *wsPeer {
	return &wsPeer{
		conn:         conn,
		writeTimeout: writeTimeout,
		queue:        make(chan string, peerQueueSize),
	}
}

// Send never blocks. A peer that has fallen peerQueueSize frames behind loses
// the frame.
func (p *wsPeer) Send(payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	select {
	case p.queue <- payload:
		return nil
	default:
		return errPeerQueueFull
	}
}

func (p *wsPeer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

// writeLoop delivers queued frames until the queue is closed. A failed write
// closes the connection, which ends the handler's read loop.
func (p *wsPeer) writeLoop() {
	for payload := range p.queue {
		if p.writeTimeout > 0 {
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
		}
		if err := websocket.Message.Send(p.conn, payload); err != nil {
			_ = p.conn.Close()
			return
		}
	}
}

// handlePuzzleListener upgrades GET /puzzle/{id} and keeps the connection
// subscribed to the puzzle's verification results until the client leaves.
func (s *HTTPServer) handlePuzzleListener(w http.ResponseWriter, r *http.Request, rawID string) {
	puzzleID, ok := util.ParseID(rawID)
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "Invalid puzzle id", nil)
		return
	}
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Subscriptions are not enabled", nil)
		return
	}

	server := websocket.Server{Handler: func(conn *websocket.Conn) {
		defer conn.Close()
		// The server's read timeout would otherwise end idle subscriptions.
		_ = conn.SetReadDeadline(time.Time{})

		peer := newWSPeer(conn, s.service.cfg.WSWriteTimeout)
		if !s.registry.Subscribe(puzzleID, peer) {
			return
		}
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			peer.writeLoop()
		}()
		defer func() {
			s.registry.Unsubscribe(puzzleID, peer)
			peer.close()
			<-writerDone
		}()

		// Inbound frames carry no meaning; reading only detects the close.
		for {
			var discard string
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				return
			}
		}
	}}
	server.ServeHTTP(w, r)
}
