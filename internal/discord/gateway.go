package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// State is the connection state of the gateway client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateLive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateLive:
		return "live"
	}
	return "unknown"
}

// ErrGatewayClosed is returned to connect waiters when the gateway
// hit a fatal close code or was stopped.
var ErrGatewayClosed = errors.New("discord: gateway closed")

// closeCodeHeartbeat is the code used when the client closes the
// socket itself after a missed heartbeat acknowledgment.
const closeCodeHeartbeat = 4000

// Conn is the minimal socket surface the gateway needs. Production
// uses a gorilla/websocket connection; tests script frames through a
// fake.
type Conn interface {
	// ReadMessage blocks for the next text frame.
	ReadMessage() ([]byte, error)
	// WriteJSON sends one JSON-encoded frame.
	WriteJSON(v any) error
	// Close sends a close frame with the given code and reason and
	// tears down the transport.
	Close(code int, reason string) error
}

// DialFunc opens a gateway socket.
type DialFunc func(ctx context.Context, url string) (Conn, error)

type gorillaConn struct {
	conn *websocket.Conn
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.conn.ReadMessage()
	return data, err
}

func (g *gorillaConn) WriteJSON(v any) error { return g.conn.WriteJSON(v) }

func (g *gorillaConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = g.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	return g.conn.Close()
}

func dialGateway(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("discord: dial gateway: %w", err)
	}
	return &gorillaConn{conn: conn}, nil
}

// Gateway owns the one persistent socket to the chat platform. Frames
// are processed serially by a single goroutine; the heartbeat is a
// timer case in the same loop. Subscribers receive either a generic
// "something changed" signal or the parsed payload of a newly created
// message in the configured channel.
type Gateway struct {
	token     string
	channelID string

	dial   DialFunc
	jitter func() float64

	mu       sync.Mutex
	state    State
	running  bool
	stopped  bool
	waiters  []chan error
	stopCh   chan struct{}
	activeWS Conn

	// Session state, replaced piecewise on each reconnect.
	sessionID         string
	resumeURL         string
	seq               *int64
	heartbeatInterval time.Duration
	awaitingAck       bool
	reconnectAttempts int
	shouldResume      bool

	subMu   sync.RWMutex
	subs    map[int]func()
	msgSubs map[int]func(Message)
	nextSub int
}

// NewGateway creates a gateway client for one channel. The socket is
// not opened until the first Connect or Subscribe call.
func NewGateway(token, channelID string) *Gateway {
	return &Gateway{
		token:     token,
		channelID: channelID,
		dial:      dialGateway,
		jitter:    rand.Float64,
		stopCh:    make(chan struct{}),
		subs:      make(map[int]func()),
		msgSubs:   make(map[int]func(Message)),
	}
}

// State reports the current connection state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Connect opens the gateway connection and blocks until a READY or
// RESUMED dispatch is observed, the context expires, or the
// connection fails fatally. Calling Connect while live is a no-op.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return ErrGatewayClosed
	}
	if g.state == StateLive {
		g.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	g.waiters = append(g.waiters, ch)
	if !g.running {
		g.running = true
		go g.run()
	}
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

// Close stops the gateway permanently and closes the socket.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	ws := g.activeWS
	close(g.stopCh)
	g.mu.Unlock()
	if ws != nil {
		_ = ws.Close(websocket.CloseNormalClosure, "shutting down")
	}
}

// Subscribe registers a callback for the generic change signal,
// connecting first when the gateway is not live. The returned
// function removes exactly this callback; removal blocks until any
// in-flight delivery to it has finished.
func (g *Gateway) Subscribe(ctx context.Context, fn func()) (func(), error) {
	g.subMu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = fn
	g.subMu.Unlock()

	if err := g.ensureLive(ctx); err != nil {
		g.removeSub(id)
		return nil, err
	}
	return func() { g.removeSub(id) }, nil
}

// SubscribeMessages registers a callback for parsed new-message
// payloads, connecting first when the gateway is not live.
func (g *Gateway) SubscribeMessages(ctx context.Context, fn func(Message)) (func(), error) {
	g.subMu.Lock()
	id := g.nextSub
	g.nextSub++
	g.msgSubs[id] = fn
	g.subMu.Unlock()

	if err := g.ensureLive(ctx); err != nil {
		g.removeMsgSub(id)
		return nil, err
	}
	return func() { g.removeMsgSub(id) }, nil
}

func (g *Gateway) ensureLive(ctx context.Context) error {
	if g.State() == StateLive {
		return nil
	}
	return g.Connect(ctx)
}

func (g *Gateway) removeSub(id int) {
	g.subMu.Lock()
	delete(g.subs, id)
	g.subMu.Unlock()
}

func (g *Gateway) removeMsgSub(id int) {
	g.subMu.Lock()
	delete(g.msgSubs, id)
	g.subMu.Unlock()
}

// notifySubscribers fans the generic change signal out to all
// subscribers. A panicking callback is isolated and logged so the
// remaining subscribers still get the signal.
func (g *Gateway) notifySubscribers() {
	g.subMu.RLock()
	defer g.subMu.RUnlock()
	for id, fn := range g.subs {
		g.invoke(id, fn)
	}
}

func (g *Gateway) notifyMessageSubscribers(msg Message) {
	g.subMu.RLock()
	defer g.subMu.RUnlock()
	for id, fn := range g.msgSubs {
		func() {
			defer g.recoverSub(id)
			fn(msg)
		}()
	}
}

func (g *Gateway) invoke(id int, fn func()) {
	defer g.recoverSub(id)
	fn()
}

func (g *Gateway) recoverSub(id int) {
	if r := recover(); r != nil {
		slog.Error("gateway subscriber panicked", "subscriber", id, "panic", r)
	}
}

// reconnectDelay computes the backoff before reconnect attempt n:
// min(1000 × 2^n, 30000) milliseconds.
func reconnectDelay(attempt int) time.Duration {
	ms := 1000 * math.Pow(2, float64(attempt))
	if ms > 30000 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}

// run supervises the connection: one connectOnce per socket lifetime,
// with close-code-driven session handling and backoff in between.
func (g *Gateway) run() {
	for {
		select {
		case <-g.stopCh:
			g.finish(ErrGatewayClosed)
			return
		default:
		}

		closeErr := g.connectOnce()
		if errors.Is(closeErr, ErrGatewayClosed) {
			g.finish(ErrGatewayClosed)
			return
		}

		g.mu.Lock()
		g.heartbeatStoppedLocked()
		code, hasCode := closeCode(closeErr)
		switch {
		case hasCode && fatalCloseCodes[code]:
			slog.Error("gateway closed with fatal code, stopping", "code", code, "error", closeErr)
			g.mu.Unlock()
			g.finish(fmt.Errorf("%w: close code %d", ErrGatewayClosed, code))
			return
		case hasCode && reidentifyCloseCodes[code]:
			slog.Warn("gateway closed, session invalidated", "code", code)
			g.clearSessionLocked()
		default:
			// Resumable: leave session identity intact.
			slog.Warn("gateway connection lost", "error", closeErr)
		}
		g.reconnectAttempts++
		g.state = StateDisconnected
		delay := reconnectDelay(g.reconnectAttempts)
		attempt := g.reconnectAttempts
		g.mu.Unlock()

		slog.Info("gateway reconnecting", "attempt", attempt, "delay", delay)
		select {
		case <-g.stopCh:
			g.finish(ErrGatewayClosed)
			return
		case <-time.After(delay):
		}
	}
}

// finish resolves any pending connect waiters and marks the gateway
// stopped for good. A supervisor that exited on a fatal close code
// must not be restarted by a later Connect or Subscribe.
func (g *Gateway) finish(err error) {
	g.mu.Lock()
	g.state = StateDisconnected
	g.running = false
	g.stopped = true
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()
	for _, ch := range waiters {
		ch <- err
	}
}

// closeCode extracts a websocket close code from a read error.
func closeCode(err error) (int, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

func (g *Gateway) clearSessionLocked() {
	// sessionID, resumeURL and seq are cleared together whenever the
	// session stops being resumable.
	g.sessionID = ""
	g.resumeURL = ""
	g.seq = nil
	g.shouldResume = false
}

func (g *Gateway) heartbeatStoppedLocked() {
	g.awaitingAck = false
}

// connectOnce runs a single socket lifetime: dial, HELLO handshake,
// identify or resume, then the serial frame/heartbeat loop. The
// returned error describes why the socket went away.
func (g *Gateway) connectOnce() error {
	g.mu.Lock()
	url := GatewayURL
	if g.shouldResume && g.resumeURL != "" {
		url = g.resumeURL
	}
	g.state = StateConnecting
	g.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	ws, err := g.dial(dialCtx, url)
	cancel()
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.state = StateAwaitingHello
	g.activeWS = ws
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.activeWS = nil
		g.mu.Unlock()
		_ = ws.Close(websocket.CloseNormalClosure, "")
	}()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-g.stopCh:
				return
			}
		}
	}()

	var hbTimer *time.Timer
	var hbC <-chan time.Time
	defer func() {
		if hbTimer != nil {
			hbTimer.Stop()
		}
	}()

	for {
		select {
		case <-g.stopCh:
			return ErrGatewayClosed

		case err := <-readErr:
			return err

		case <-hbC:
			g.mu.Lock()
			if g.awaitingAck {
				// Previous heartbeat was never acknowledged: the
				// connection is dead even if the transport has not
				// noticed yet.
				g.mu.Unlock()
				slog.Warn("heartbeat ack missing, closing connection")
				_ = ws.Close(closeCodeHeartbeat, "Heartbeat timeout")
				continue
			}
			seq := g.seq
			g.awaitingAck = true
			interval := g.heartbeatInterval
			g.mu.Unlock()
			if err := g.sendHeartbeat(ws, seq); err != nil {
				slog.Warn("heartbeat send failed", "error", err)
			}
			hbTimer.Reset(interval)

		case data := <-frames:
			var p payload
			if err := json.Unmarshal(data, &p); err != nil {
				slog.Error("gateway frame parse failed", "error", err)
				g.rejectWaiters(fmt.Errorf("discord: parse gateway frame: %w", err))
				continue
			}

			switch p.Op {
			case opHello:
				var hd helloData
				if err := json.Unmarshal(p.D, &hd); err != nil {
					slog.Error("hello frame parse failed", "error", err)
					g.rejectWaiters(fmt.Errorf("discord: parse hello frame: %w", err))
					continue
				}
				interval := time.Duration(hd.HeartbeatInterval) * time.Millisecond
				g.mu.Lock()
				g.heartbeatInterval = interval
				resume := g.shouldResume && g.sessionID != ""
				if resume {
					g.state = StateResuming
				} else {
					g.state = StateIdentifying
				}
				seq := int64(0)
				if g.seq != nil {
					seq = *g.seq
				}
				sessionID := g.sessionID
				g.mu.Unlock()

				// First heartbeat after a jittered fraction of the
				// interval, per the handshake contract.
				initial := time.Duration(float64(interval) * g.jitter())
				hbTimer = time.NewTimer(initial)
				hbC = hbTimer.C

				if resume {
					err = g.sendResume(ws, sessionID, seq)
				} else {
					err = g.sendIdentify(ws)
				}
				if err != nil {
					slog.Error("gateway handshake send failed", "error", err)
				}

			case opHeartbeat:
				// Server-requested immediate heartbeat, independent of
				// the timer.
				g.mu.Lock()
				seq := g.seq
				g.mu.Unlock()
				if err := g.sendHeartbeat(ws, seq); err != nil {
					slog.Warn("heartbeat send failed", "error", err)
				}

			case opHeartbeatAck:
				g.mu.Lock()
				g.awaitingAck = false
				g.mu.Unlock()

			case opReconnect:
				slog.Info("gateway requested reconnect")
				g.mu.Lock()
				g.shouldResume = true
				g.mu.Unlock()
				_ = ws.Close(closeCodeHeartbeat, "Reconnect requested")

			case opInvalidSession:
				var resumable bool
				_ = json.Unmarshal(p.D, &resumable)
				slog.Warn("gateway session invalid", "resumable", resumable)
				g.mu.Lock()
				g.shouldResume = resumable
				if !resumable {
					g.clearSessionLocked()
				}
				g.mu.Unlock()
				_ = ws.Close(closeCodeHeartbeat, "Invalid session")

			case opDispatch:
				g.handleDispatch(p)
			}
		}
	}
}

func (g *Gateway) sendHeartbeat(ws Conn, seq *int64) error {
	var d json.RawMessage
	if seq != nil {
		d, _ = json.Marshal(*seq)
	} else {
		d = json.RawMessage("null")
	}
	return ws.WriteJSON(payload{Op: opHeartbeat, D: d})
}

func (g *Gateway) sendIdentify(ws Conn) error {
	d, _ := json.Marshal(identifyData{
		Token:   g.token,
		Intents: intentGuildMessages | intentMessageContent,
		Properties: map[string]string{
			"os": "linux", "browser": "simonbot", "device": "simonbot",
		},
	})
	return ws.WriteJSON(payload{Op: opIdentify, D: d})
}

func (g *Gateway) sendResume(ws Conn, sessionID string, seq int64) error {
	d, _ := json.Marshal(resumeData{Token: g.token, SessionID: sessionID, Seq: seq})
	return ws.WriteJSON(payload{Op: opResume, D: d})
}

func (g *Gateway) handleDispatch(p payload) {
	g.mu.Lock()
	if p.S != nil && (g.seq == nil || *p.S > *g.seq) {
		s := *p.S
		g.seq = &s
	}
	g.mu.Unlock()

	switch p.T {
	case "READY":
		var rd readyData
		if err := json.Unmarshal(p.D, &rd); err != nil {
			slog.Error("ready frame parse failed", "error", err)
			g.rejectWaiters(fmt.Errorf("discord: parse ready frame: %w", err))
			return
		}
		g.mu.Lock()
		g.sessionID = rd.SessionID
		g.resumeURL = rd.ResumeGatewayURL
		g.shouldResume = true
		g.reconnectAttempts = 0
		g.state = StateLive
		g.mu.Unlock()
		slog.Info("gateway ready", "user", rd.User.Username, "session", rd.SessionID)
		g.resolveWaiters()

	case "RESUMED":
		g.mu.Lock()
		g.reconnectAttempts = 0
		g.state = StateLive
		g.mu.Unlock()
		slog.Info("gateway session resumed")
		g.resolveWaiters()

	case "MESSAGE_CREATE":
		var msg Message
		if err := json.Unmarshal(p.D, &msg); err != nil {
			slog.Error("message frame parse failed", "error", err)
			return
		}
		if msg.ChannelID != g.channelID {
			return
		}
		g.notifySubscribers()
		g.notifyMessageSubscribers(msg)

	case "MESSAGE_UPDATE", "MESSAGE_DELETE":
		var ref struct {
			ChannelID string `json:"channel_id"`
		}
		if err := json.Unmarshal(p.D, &ref); err != nil {
			slog.Error("message frame parse failed", "error", err)
			return
		}
		if ref.ChannelID != g.channelID {
			return
		}
		g.notifySubscribers()
	}
}

func (g *Gateway) resolveWaiters() {
	g.mu.Lock()
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()
	for _, ch := range waiters {
		ch <- nil
	}
}

// rejectWaiters fails any in-flight connect with a parse error.
// Without a pending connect the malformed frame is swallowed.
func (g *Gateway) rejectWaiters(err error) {
	g.mu.Lock()
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()
	for _, ch := range waiters {
		ch <- err
	}
}
