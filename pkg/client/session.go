package client

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kaamlink/chat-service/pkg/apperr"
	"github.com/kaamlink/chat-service/pkg/event"
)

// State is where the realtime session is in its lifecycle. Terminal
// only via Close; a lost connection always ends up reconnecting.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateJoined       State = "joined"
	StateReconnecting State = "reconnecting"
)

const sessionWriteWait = 10 * time.Second

type SessionConfig struct {
	// URL is the gateway websocket endpoint, ws:// or wss://.
	URL   string
	Token string

	// Backoff shape for reconnects. The attempt counter resets once a
	// connection has stayed up for StableAfter.
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	StableAfter time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

func (c *SessionConfig) withDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.StableAfter <= 0 {
		c.StableAfter = time.Minute
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// reconnector shapes the retry schedule: exponential growth with up to
// half a base delay of jitter, capped at max, and a fresh start after
// the link has proven stable.
type reconnector struct {
	base        time.Duration
	max         time.Duration
	stableAfter time.Duration
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() { r.connectedAt = time.Now() }

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.stableAfter {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.base) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.base)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.max),
	))
	r.attempt++
	return delay
}

// Session is one realtime connection to the gateway. It rejoins its
// rooms after every reconnect and keeps retrying until Close, so a
// network blip never needs the caller's attention.
type Session struct {
	cfg SessionConfig

	onEnvelope func(event.Envelope)
	onResume   func()
	onState    func(State)

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	closed      bool
	established bool
	rooms       map[int64]bool

	recon reconnector
	done  chan struct{}
}

func NewSession(cfg SessionConfig) *Session {
	cfg.withDefaults()
	return &Session{
		cfg:   cfg,
		state: StateDisconnected,
		rooms: make(map[int64]bool),
		recon: reconnector{base: cfg.BaseDelay, max: cfg.MaxDelay, stableAfter: cfg.StableAfter},
		done:  make(chan struct{}),
	}
}

// OnEnvelope registers the single consumer of inbound facts. Delivery
// is synchronous from the read loop, so the consumer sees facts in the
// order the server sent them.
func (s *Session) OnEnvelope(fn func(event.Envelope)) { s.onEnvelope = fn }

// OnResume registers a hook fired after a connection is re-established,
// not on the first connect. This is where a one-time state refresh
// belongs; no commands are replayed.
func (s *Session) OnResume(fn func()) { s.onResume = fn }

// OnState registers a state transition observer.
func (s *Session) OnState(fn func(State)) { s.onState = fn }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// Connect dials the gateway once. Reconnects after a later drop are
// automatic; a first-dial failure is the caller's to retry.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting)
	if err := s.dial(ctx); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	return nil
}

func (s *Session) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Token)

	conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return net.ErrClosed
	}
	s.conn = conn
	resumed := s.established
	s.established = true
	rooms := make([]int64, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.mu.Unlock()
	s.recon.markConnected()

	for _, id := range rooms {
		if err := s.write(event.Envelope{Type: event.TypeJoin, ConversationID: id}); err != nil {
			s.cfg.Logger.Warn("rejoin room", "conversation_id", id, "error", err)
		}
	}
	s.setState(StateJoined)

	go s.readLoop(conn)
	if resumed && s.onResume != nil {
		go s.onResume()
	}
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			if closed {
				return
			}
			s.cfg.Logger.Warn("channel read", "error", err)
			go s.reconnectLoop()
			return
		}

		env, err := event.Decode(data)
		if err != nil {
			s.cfg.Logger.Debug("drop unreadable frame", "error", err)
			continue
		}
		if s.onEnvelope != nil {
			s.onEnvelope(env)
		}
	}
}

func (s *Session) reconnectLoop() {
	for {
		delay := s.recon.nextDelay()
		s.setState(StateReconnecting)
		s.cfg.Logger.Info("reconnecting", "attempt", s.recon.attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return
		}

		if err := s.dial(context.Background()); err != nil {
			s.cfg.Logger.Warn("reconnect failed", "attempt", s.recon.attempt, "error", err)
			continue
		}
		return
	}
}

// Join subscribes this session to a conversation's room. The membership
// is remembered and re-established after every reconnect. Joining a
// room twice is harmless server-side, so racing the dial's own rejoin
// pass costs nothing.
func (s *Session) Join(conversationID int64) error {
	s.mu.Lock()
	s.rooms[conversationID] = true
	connected := s.conn != nil
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.write(event.Envelope{Type: event.TypeJoin, ConversationID: conversationID})
}

// Leave unsubscribes from a room without touching the connection or any
// other room.
func (s *Session) Leave(conversationID int64) error {
	s.mu.Lock()
	delete(s.rooms, conversationID)
	connected := s.conn != nil
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.write(event.Envelope{Type: event.TypeLeave, ConversationID: conversationID})
}

// Send pushes a command over the channel. When the channel is down it
// fails fast with ErrChannelUnavailable so the caller can fall back to
// REST.
func (s *Session) Send(env event.Envelope) error {
	return s.write(env)
}

func (s *Session) write(env event.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return apperr.ErrChannelUnavailable
	}
	s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close ends the session for good, the only terminal transition. Used
// on logout; a mere network loss goes through the reconnect path
// instead.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	close(s.done)

	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	s.setState(StateDisconnected)
	return nil
}
