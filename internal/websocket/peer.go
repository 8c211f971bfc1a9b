// internal/websocket/peer.go
package websocket

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// Largest frame accepted from a browser; RPC params are paths and queries
	maxInbound = 1 << 20
	queueDepth = 64
)

var (
	errPeerGone  = errors.New("peer disconnected")
	errQueueFull = errors.New("outbound queue full")
)

// peer is one connected browser tab. Only writeLoop writes to conn; a tab that
// stops reading loses frames instead of stalling broadcasts.
type peer struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	mu   sync.Mutex
	out  chan []byte
	gone bool
}

func newPeer(conn *websocket.Conn, logger *slog.Logger) *peer {
	id := uuid.New().String()
	return &peer{
		id:     id,
		conn:   conn,
		logger: logger.With("peer", id),
		out:    make(chan []byte, queueDepth),
	}
}

// reply answers req with result or err
func (p *peer) reply(id string, result interface{}, err error) error {
	resp := &RPCResponse{ID: id}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Result = result
	}
	return p.push(&WSMessage{Kind: "rpc_response", Response: resp})
}

// notify pushes an unsolicited event such as "history:changed"
func (p *peer) notify(eventType string, payload interface{}) error {
	return p.push(&WSMessage{Kind: "event", Event: &WSEvent{Type: eventType, Payload: payload}})
}

func (p *peer) push(msg *WSMessage) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone {
		return errPeerGone
	}
	select {
	case p.out <- frame:
		return nil
	default:
		return errQueueFull
	}
}

// armReads bounds inbound frames and expects a pong within pongWait
func (p *peer) armReads() {
	p.conn.SetReadLimit(maxInbound)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// writeLoop drains the queue and pings the browser until the peer is dropped
// or a write fails. It closes conn on exit.
func (p *peer) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.logger.Debug("websocket write failed", "err", err)
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop stops accepting frames and lets writeLoop finish. Safe to repeat.
func (p *peer) drop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.gone {
		p.gone = true
		close(p.out)
	}
}
