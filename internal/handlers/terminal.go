package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/portsidehq/portside/internal/logutil"
	"github.com/portsidehq/portside/internal/session"
)

// streamRateLimit is the maximum number of inbound messages per second per
// WebSocket connection. Messages beyond this rate are dropped.
const streamRateLimit = 200

// streamRateBurst is the token bucket burst size, allowing short bursts of
// rapid input (e.g. paste) before rate limiting kicks in.
const streamRateBurst = 200

// maxInputMessageSize caps a single binary input message.
const maxInputMessageSize = 64 * 1024

type streamResizeMsg struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// tokenBucket is a simple token bucket rate limiter for stream messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}

// SessionStreamWS attaches a WebSocket to a session's output stream.
//
// Outbound: scrollback replay followed by live output, all as binary
// messages. Inbound: binary messages are keystrokes forwarded to the remote
// shell; text messages carry JSON control frames (currently only resize).
// When the session's channel closes the socket is closed with code 4410;
// the client decides whether to request a reconnect.
func SessionStreamWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := Registry.Lookup(id); err != nil {
		http.Error(w, "Session not connected", http.StatusConflict)
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[handlers] accept stream websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	clientConn.SetReadLimit(1024 * 1024)

	relayCtx, relayCancel := context.WithCancel(r.Context())
	defer relayCancel()

	onData := func(p []byte) {
		if err := clientConn.Write(relayCtx, websocket.MessageBinary, p); err != nil {
			relayCancel()
		}
	}
	onClosed := func() {
		clientConn.Close(4410, "Session closed")
		relayCancel()
	}

	replay, unsubscribe := Relay.Subscribe(id, onData, onClosed)
	defer unsubscribe()

	// Control notices (listing refreshes, status changes) go out as text
	// frames so clients can tell them apart from terminal output.
	cancelNotices := notices.subscribe(id, func(n streamNotice) {
		payload, err := json.Marshal(n)
		if err != nil {
			return
		}
		if err := clientConn.Write(relayCtx, websocket.MessageText, payload); err != nil {
			relayCancel()
		}
	})
	defer cancelNotices()

	if len(replay) > 0 {
		if err := clientConn.Write(relayCtx, websocket.MessageBinary, replay); err != nil {
			return
		}
	}

	log.Printf("[handlers] stream attached: session=%s", logutil.SanitizeForLog(id))
	defer log.Printf("[handlers] stream detached: session=%s", logutil.SanitizeForLog(id))

	limiter := newTokenBucket(streamRateBurst, streamRateLimit)

	// Browser -> shell stdin
	for {
		msgType, data, err := clientConn.Read(relayCtx)
		if err != nil {
			return
		}

		if !limiter.allow() {
			continue
		}

		if msgType == websocket.MessageBinary {
			if len(data) > maxInputMessageSize {
				log.Printf("[handlers] input message too large: session=%s size=%d", logutil.SanitizeForLog(id), len(data))
				continue
			}
			if err := Registry.WriteInput(id, data); err != nil {
				return
			}
		} else {
			var msg streamResizeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
				cols := msg.Cols
				rows := msg.Rows
				if cols > session.MaxShellCols {
					cols = session.MaxShellCols
				}
				if rows > session.MaxShellRows {
					rows = session.MaxShellRows
				}
				Registry.Resize(id, rows, cols)
			}
		}
	}
}
