package tabletop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by live-only operations while the session has
// no open transport.
var ErrNotConnected = errors.New("tabletop: not connected")

// ErrSessionClosed is returned after an explicit Close.
var ErrSessionClosed = errors.New("tabletop: session closed")

// ============================================================================
// Connection State
// ============================================================================

// SessionState represents the connection state machine. Only the session
// client itself transitions between states.
type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateReconnecting SessionState = "reconnecting"
)

// ============================================================================
// Backoff Policy
// ============================================================================

// BackoffPolicy decides how long to wait before reconnect attempt number
// attempt (1-based).
type BackoffPolicy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay per attempt up to Max, with up to 50%
// additive jitter to avoid synchronized retry storms.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func NewExponentialBackoff(base, max time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{Base: base, Max: max}
}

func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	jitter := time.Duration(rand.Float64() * float64(b.Base) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.Base)*math.Pow(2, float64(attempt-1))+float64(jitter),
		float64(b.Max),
	))
	return delay
}

// FixedDelay waits the same duration before every attempt. This matches the
// legacy client behavior; prefer ExponentialBackoff.
type FixedDelay time.Duration

func (d FixedDelay) NextDelay(int) time.Duration { return time.Duration(d) }

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	policy      BackoffPolicy
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(policy BackoffPolicy, maxAttempts int) *reconnector {
	return &reconnector{policy: policy, maxAttempts: maxAttempts}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.attempt++
	return r.policy.NextDelay(r.attempt)
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// GenericHandler is the catch-all event callback type. It fires for every
// well-formed frame, including event types this SDK version does not know.
type GenericHandler func(event EventType, data json.RawMessage)

// eventDispatcher decodes inbound frames, owns the roster, and fans out to
// registered handlers. Dispatch is synchronous and in frame order.
type eventDispatcher struct {
	mu      sync.RWMutex
	logger  zerolog.Logger
	generic map[EventType][]GenericHandler
	roster  map[string]Player

	onRoomJoined   []func(RoomJoinedPayload)
	onPlayerJoined []func(PlayerJoinedPayload)
	onPlayerLeft   []func(PlayerLeftPayload)
	onDiceRoll     []func(DiceRollPayload)
	onChatMessage  []func(ChatMessagePayload)
	onDMNarration  []func(DMNarrationPayload)
	onPlayerAction []func(PlayerActionPayload)
	onTurnChange   []func(TurnChangePayload)
	onCombatUpdate []func(CombatUpdatePayload)
	onServerError  []func(ServerErrorPayload)

	onConnected    []func()
	onDisconnected []func(code int, reason string)
	onReconnecting []func(attempt int, delay time.Duration)
	onError        []func(message string)
}

func newEventDispatcher(logger zerolog.Logger) *eventDispatcher {
	return &eventDispatcher{
		logger:  logger,
		generic: make(map[EventType][]GenericHandler),
		roster:  make(map[string]Player),
	}
}

// dispatch decodes one raw frame and invokes the matching handlers. Malformed
// frames and unknown event types are logged and dropped; they never raise.
func (d *eventDispatcher) dispatch(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		d.logger.Debug().Int("bytes", len(raw)).Msg("dropping malformed frame")
		return
	}

	switch env.Event {
	case EventRoomJoined:
		var p RoomJoinedPayload
		if d.decode(env, &p) {
			d.replaceRoster(p.Players)
			for _, h := range d.roomJoinedHandlers() {
				h(p)
			}
		}
	case EventPlayerList:
		var p PlayerListPayload
		if d.decode(env, &p) {
			d.replaceRoster(p.Players)
		}
	case EventPlayerJoined:
		var p PlayerJoinedPayload
		if d.decode(env, &p) {
			d.upsertPlayer(p.Player)
			for _, h := range d.playerJoinedHandlers() {
				h(p)
			}
		}
	case EventPlayerLeft:
		var p PlayerLeftPayload
		if d.decode(env, &p) {
			d.removePlayer(p.Player.UserID)
			for _, h := range d.playerLeftHandlers() {
				h(p)
			}
		}
	case EventDiceRoll:
		var p DiceRollPayload
		if d.decode(env, &p) {
			for _, h := range d.diceRollHandlers() {
				h(p)
			}
		}
	case EventChatMessage:
		var p ChatMessagePayload
		if d.decode(env, &p) {
			for _, h := range d.chatMessageHandlers() {
				h(p)
			}
		}
	case EventDMNarration:
		var p DMNarrationPayload
		if d.decode(env, &p) {
			for _, h := range d.dmNarrationHandlers() {
				h(p)
			}
		}
	case EventPlayerAction:
		var p PlayerActionPayload
		if d.decode(env, &p) {
			for _, h := range d.playerActionHandlers() {
				h(p)
			}
		}
	case EventTurnChange:
		var p TurnChangePayload
		if d.decode(env, &p) {
			for _, h := range d.turnChangeHandlers() {
				h(p)
			}
		}
	case EventCombatUpdate:
		var p CombatUpdatePayload
		if d.decode(env, &p) {
			for _, h := range d.combatUpdateHandlers() {
				h(p)
			}
		}
	case EventError:
		var p ServerErrorPayload
		if d.decode(env, &p) {
			for _, h := range d.serverErrorHandlers() {
				h(p)
			}
		}
	case EventPong, EventRoomLeft:
		// pong resolves pending pings before dispatch; room_left carries no
		// client-side state change.
	default:
		d.logger.Debug().Str("event", string(env.Event)).Msg("ignoring unknown event type")
	}

	for _, h := range d.genericHandlers(env.Event) {
		h(env.Event, env.Data)
	}
}

func (d *eventDispatcher) decode(env Envelope, v interface{}) bool {
	if err := json.Unmarshal(env.Data, v); err != nil {
		d.logger.Debug().Str("event", string(env.Event)).Err(err).Msg("dropping undecodable payload")
		return false
	}
	return true
}

// ── Roster ───────────────────────────────────────────────

func (d *eventDispatcher) replaceRoster(players []Player) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roster = make(map[string]Player, len(players))
	for _, p := range players {
		d.roster[p.UserID] = p
	}
}

func (d *eventDispatcher) upsertPlayer(p Player) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Keyed by user_id: a duplicate player_joined (reconnect race) replaces
	// the stale entry instead of producing two roster rows.
	d.roster[p.UserID] = p
}

func (d *eventDispatcher) removePlayer(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.roster, userID)
}

func (d *eventDispatcher) clearRoster() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roster = make(map[string]Player)
}

func (d *eventDispatcher) rosterSnapshot() []Player {
	d.mu.RLock()
	defer d.mu.RUnlock()
	players := make([]Player, 0, len(d.roster))
	for _, p := range d.roster {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		if players[i].ConnectedAt != players[j].ConnectedAt {
			return players[i].ConnectedAt < players[j].ConnectedAt
		}
		return players[i].UserID < players[j].UserID
	})
	return players
}

// ── Handler snapshots ────────────────────────────────────

func (d *eventDispatcher) roomJoinedHandlers() []func(RoomJoinedPayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]func(RoomJoinedPayload){}, d.onRoomJoined...)
}

func (d *eventDispatcher) playerJoinedHandlers() []func(PlayerJoinedPayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]func(PlayerJoinedPayload){}, d.onPlayerJoined...)
}

func (d *eventDispatcher) playerLeftHandlers() []func(PlayerLeftPayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]func(PlayerLeftPayload){}, d.onPlayerLeft...)
}

func (d *eventDispatcher) diceRollHandlers() []func(DiceRollPayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]func(DiceRollPayload){}, d.onDiceRoll...)
}

func (d *eventDispatcher) chatMessageHandlers() []func(ChatMessagePayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]func(ChatMessagePayload){}, d.onChatMessage...)
}

func (d *eventDispatcher) dmNarrationHandlers() []func(DMNarrationPayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]func(DMNarrationPayload){}, d.onDMNarration...)
}

func (d *eventDispatcher) playerActionHandlers() []func(PlayerActionPayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]func(PlayerActionPayload){}, d.onPlayerAction...)
}

func (d *eventDispatcher) turnChangeHandlers() []func(TurnChangePayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]func(TurnChangePayload){}, d.onTurnChange...)
}

func (d *eventDispatcher) combatUpdateHandlers() []func(CombatUpdatePayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]func(CombatUpdatePayload){}, d.onCombatUpdate...)
}

func (d *eventDispatcher) serverErrorHandlers() []func(ServerErrorPayload) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]func(ServerErrorPayload){}, d.onServerError...)
}

func (d *eventDispatcher) genericHandlers(event EventType) []GenericHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]GenericHandler{}, d.generic[event]...)
}

// ── Meta events ──────────────────────────────────────────

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (d *eventDispatcher) emitError(message string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(message)
	}
}

// ============================================================================
// SessionClient
// ============================================================================

// SessionClient is the facade for one logical game-session connection. It
// composes the connection state machine, the event dispatcher, and the
// offline action queue.
type SessionClient struct {
	client *Client
	target SessionTarget
	logger zerolog.Logger

	mu               sync.Mutex
	state            SessionState
	conn             *websocket.Conn
	cancelFn         context.CancelFunc
	reconnectTimer   *time.Timer
	intentionalClose bool

	dispatcher  *eventDispatcher
	recon       *reconnector
	coordinator *SyncCoordinator

	// Send exposes the outgoing-action API. Every method returns an
	// immediate acknowledgement; actions queue locally while offline.
	Send *SendAPI

	pingCounter  int
	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

func newSessionClient(c *Client, target SessionTarget) *SessionClient {
	logger := c.logger.With().Str("session_id", target.SessionID).Logger()
	s := &SessionClient{
		client:       c,
		target:       target,
		logger:       logger,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(logger),
		recon:        newReconnector(c.backoff, c.maxReconnects),
		pendingPings: make(map[string]chan PongPayload),
	}
	s.coordinator = c.coordinator
	s.Send = &SendAPI{session: s}
	s.coordinator.start()
	return s
}

// ── Handler registration ─────────────────────────────────

// OnRoomJoined registers a handler for the authoritative roster snapshot.
func (s *SessionClient) OnRoomJoined(h func(RoomJoinedPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onRoomJoined = append(s.dispatcher.onRoomJoined, h)
	s.dispatcher.mu.Unlock()
}

// OnPlayerJoined registers a handler for players joining the session.
func (s *SessionClient) OnPlayerJoined(h func(PlayerJoinedPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onPlayerJoined = append(s.dispatcher.onPlayerJoined, h)
	s.dispatcher.mu.Unlock()
}

// OnPlayerLeft registers a handler for players leaving the session.
func (s *SessionClient) OnPlayerLeft(h func(PlayerLeftPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onPlayerLeft = append(s.dispatcher.onPlayerLeft, h)
	s.dispatcher.mu.Unlock()
}

// OnDiceRoll registers a handler for dice roll results.
func (s *SessionClient) OnDiceRoll(h func(DiceRollPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDiceRoll = append(s.dispatcher.onDiceRoll, h)
	s.dispatcher.mu.Unlock()
}

// OnChatMessage registers a handler for chat messages.
func (s *SessionClient) OnChatMessage(h func(ChatMessagePayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onChatMessage = append(s.dispatcher.onChatMessage, h)
	s.dispatcher.mu.Unlock()
}

// OnDMNarration registers a handler for DM narration.
func (s *SessionClient) OnDMNarration(h func(DMNarrationPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDMNarration = append(s.dispatcher.onDMNarration, h)
	s.dispatcher.mu.Unlock()
}

// OnPlayerAction registers a handler for declared player actions.
func (s *SessionClient) OnPlayerAction(h func(PlayerActionPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onPlayerAction = append(s.dispatcher.onPlayerAction, h)
	s.dispatcher.mu.Unlock()
}

// OnTurnChange registers a handler for turn changes.
func (s *SessionClient) OnTurnChange(h func(TurnChangePayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onTurnChange = append(s.dispatcher.onTurnChange, h)
	s.dispatcher.mu.Unlock()
}

// OnCombatUpdate registers a handler for combat-state deltas.
func (s *SessionClient) OnCombatUpdate(h func(CombatUpdatePayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onCombatUpdate = append(s.dispatcher.onCombatUpdate, h)
	s.dispatcher.mu.Unlock()
}

// OnServerError registers a handler for non-fatal server errors. A server
// error does not close the connection by itself.
func (s *SessionClient) OnServerError(h func(ServerErrorPayload)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onServerError = append(s.dispatcher.onServerError, h)
	s.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (s *SessionClient) OnConnected(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, h)
	s.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (s *SessionClient) OnDisconnected(h func(code int, reason string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, h)
	s.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (s *SessionClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReconnecting = append(s.dispatcher.onReconnecting, h)
	s.dispatcher.mu.Unlock()
}

// OnError registers a handler for transport errors. Transport errors drive
// the reconnect machinery; they are surfaced here, never thrown.
func (s *SessionClient) OnError(h func(message string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onError = append(s.dispatcher.onError, h)
	s.dispatcher.mu.Unlock()
}

// On registers a generic handler for one wire event type. It fires even for
// event types unknown to this SDK version.
func (s *SessionClient) On(event EventType, h GenericHandler) {
	s.dispatcher.mu.Lock()
	s.dispatcher.generic[event] = append(s.dispatcher.generic[event], h)
	s.dispatcher.mu.Unlock()
}

// ── State ────────────────────────────────────────────────

// State returns the current connection state.
func (s *SessionClient) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the session transport is open.
func (s *SessionClient) IsConnected() bool {
	return s.State() == StateConnected
}

// Roster returns a copy of the current player roster, ordered by join time.
func (s *SessionClient) Roster() []Player {
	return s.dispatcher.rosterSnapshot()
}

// Target returns the session target this client was created for.
func (s *SessionClient) Target() SessionTarget {
	return s.target
}

// ── Lifecycle ────────────────────────────────────────────

// Connect establishes the session connection and joins the room. It is a
// no-op if the session is already connected or connecting.
func (s *SessionClient) Connect(ctx context.Context) error {
	if s.target.SessionID == "" {
		return fmt.Errorf("tabletop: session id is required")
	}
	if s.target.UserID == "" {
		return fmt.Errorf("tabletop: user id is required")
	}

	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	// At most one transport alive: discard any prior handle before dialing.
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusGoingAway, "superseded")
		s.conn = nil
	}
	s.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, s.client.SessionURL(s.target), nil)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("session dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()
	s.recon.markConnected()

	join := map[string]string{"user_id": s.target.UserID}
	if s.target.CharacterID != "" {
		join["character_id"] = s.target.CharacterID
	}
	if err := s.writeEnvelope(ctx, EventJoinRoom, join); err != nil {
		s.logger.Warn().Err(err).Msg("join_room frame failed")
	}

	s.dispatcher.emitConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	// One epoch of read/heartbeat goroutines at a time: cancel any survivor
	// from the previous connection before starting this one's.
	if s.cancelFn != nil {
		s.cancelFn()
	}
	s.cancelFn = cancel
	s.mu.Unlock()

	go s.readLoop(connCtx)
	go s.heartbeatLoop(connCtx)

	// Connectivity restored: reconcile anything queued while offline.
	go s.coordinator.DrainAll(context.Background())

	return nil
}

// Close leaves the room and closes the connection. No reconnect is scheduled;
// any armed reconnect timer is cancelled. The roster is cleared.
func (s *SessionClient) Close() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.clearPendingPings()
	s.dispatcher.clearRoster()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		data, _ := json.Marshal(Envelope{Event: EventLeaveRoom})
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		s.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
		return err
	}
	s.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
	return nil
}

// ── Outbound frames ──────────────────────────────────────

func (s *SessionClient) writeEnvelope(ctx context.Context, event EventType, payload interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

// Ping sends a liveness probe and waits for the matching pong.
func (s *SessionClient) Ping(ctx context.Context) (*PongPayload, error) {
	s.pendingMu.Lock()
	s.pingCounter++
	requestID := fmt.Sprintf("ping-%d", s.pingCounter)
	ch := make(chan PongPayload, 1)
	s.pendingPings[requestID] = ch
	s.pendingMu.Unlock()

	if err := s.writeEnvelope(ctx, EventPing, PingPayload{RequestID: requestID}); err != nil {
		s.pendingMu.Lock()
		delete(s.pendingPings, requestID)
		s.pendingMu.Unlock()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		return &pong, nil
	case <-time.After(10 * time.Second):
		s.pendingMu.Lock()
		delete(s.pendingPings, requestID)
		s.pendingMu.Unlock()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pendingPings, requestID)
		s.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// ── Read loop ────────────────────────────────────────────

func (s *SessionClient) readLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.handleReadError(err)
			return
		}

		s.resolvePong(data)
		s.dispatcher.dispatch(data)
	}
}

func (s *SessionClient) handleReadError(err error) {
	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	s.mu.Unlock()

	s.dispatcher.clearRoster()

	code := websocket.CloseStatus(err)
	if code == websocket.StatusNormalClosure {
		// Intentional close from the server side: no reconnect.
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.dispatcher.emitDisconnected(int(code), "server closed session")
		return
	}

	s.logger.Warn().Err(err).Int("code", int(code)).Msg("session transport lost")
	s.dispatcher.emitError(err.Error())
	s.dispatcher.emitDisconnected(int(code), err.Error())
	s.scheduleReconnect()
}

// resolvePong completes a pending Ping call if the frame is its pong.
func (s *SessionClient) resolvePong(raw []byte) {
	var env Envelope
	if json.Unmarshal(raw, &env) != nil || env.Event != EventPong {
		return
	}
	var pong PongPayload
	if json.Unmarshal(env.Data, &pong) != nil || pong.RequestID == "" {
		return
	}
	s.pendingMu.Lock()
	ch, ok := s.pendingPings[pong.RequestID]
	if ok {
		delete(s.pendingPings, pong.RequestID)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- pong
	}
}

// ── Heartbeat ────────────────────────────────────────────

func (s *SessionClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.client.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateConnected {
				return
			}
			if _, err := s.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					// Epoch cancelled mid-ping; s.conn may already
					// belong to a newer connection.
					return
				}
				// A dead heartbeat forces a close; the read loop then
				// drives the reconnect path.
				s.mu.Lock()
				conn := s.conn
				s.mu.Unlock()
				if conn != nil {
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// ── Reconnect ────────────────────────────────────────────

// scheduleReconnect arms exactly one reconnect timer. Close cancels it.
func (s *SessionClient) scheduleReconnect() {
	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !s.recon.shouldReconnect() {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		s.logger.Warn().Int("attempts", s.recon.attempt).Msg("reconnect attempts exhausted")
		s.dispatcher.emitError("reconnect attempts exhausted")
		return
	}

	delay := s.recon.nextDelay()
	attempt := s.recon.attempt

	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnectNow() })
	s.mu.Unlock()

	s.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
	s.dispatcher.emitReconnecting(attempt, delay)
}

func (s *SessionClient) reconnectNow() {
	s.mu.Lock()
	if s.intentionalClose {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	// Connect requires the disconnected state to proceed.
	s.state = StateDisconnected
	s.mu.Unlock()

	if err := s.Connect(context.Background()); err != nil {
		s.scheduleReconnect()
	}
}

func (s *SessionClient) clearPendingPings() {
	s.pendingMu.Lock()
	for k, ch := range s.pendingPings {
		close(ch)
		delete(s.pendingPings, k)
	}
	s.pendingMu.Unlock()
}
