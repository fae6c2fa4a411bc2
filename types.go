package tabletop

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-reported error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST API response.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Wire Protocol
// ============================================================================

// EventType identifies one kind of session frame.
type EventType string

const (
	EventConnect      EventType = "connect"
	EventDisconnect   EventType = "disconnect"
	EventJoinRoom     EventType = "join_room"
	EventLeaveRoom    EventType = "leave_room"
	EventRoomJoined   EventType = "room_joined"
	EventRoomLeft     EventType = "room_left"
	EventPlayerJoined EventType = "player_joined"
	EventPlayerLeft   EventType = "player_left"
	EventPlayerList   EventType = "player_list"
	EventDiceRoll     EventType = "dice_roll"
	EventChatMessage  EventType = "chat_message"
	EventDMNarration  EventType = "dm_narration"
	EventPlayerAction EventType = "player_action"
	EventTurnChange   EventType = "turn_change"
	EventCombatUpdate EventType = "combat_update"
	EventError        EventType = "error"
	EventPing         EventType = "ping"
	EventPong         EventType = "pong"
)

// Envelope is the wire format for all session frames, both directions.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ============================================================================
// Session Types
// ============================================================================

// SessionTarget identifies the game session to join.
type SessionTarget struct {
	SessionID   string
	UserID      string
	CharacterID string
}

// Player is one member of the session roster.
type Player struct {
	UserID        string `json:"user_id"`
	Username      string `json:"username"`
	CharacterID   string `json:"character_id,omitempty"`
	CharacterName string `json:"character_name,omitempty"`
	IsDM          bool   `json:"is_dm"`
	ConnectedAt   string `json:"connected_at,omitempty"`
}

// ============================================================================
// Event Payload Types
// ============================================================================

// RoomJoinedPayload is the authoritative roster snapshot sent on room join.
type RoomJoinedPayload struct {
	SessionID string   `json:"session_id"`
	Players   []Player `json:"players"`
}

// PlayerJoinedPayload is sent when a player joins the session.
type PlayerJoinedPayload struct {
	Player Player `json:"player"`
}

// PlayerLeftPayload is sent when a player leaves the session.
type PlayerLeftPayload struct {
	Player Player `json:"player"`
}

// PlayerListPayload is an on-demand roster snapshot.
type PlayerListPayload struct {
	Players []Player `json:"players"`
}

// DiceRollPayload carries one dice roll, outbound or inbound.
type DiceRollPayload struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Notation string `json:"notation"`
	Results  []int  `json:"results,omitempty"`
	Total    int    `json:"total,omitempty"`
	Reason   string `json:"reason,omitempty"`
	RolledAt string `json:"rolled_at,omitempty"`
}

// ChatMessagePayload carries one chat message.
type ChatMessagePayload struct {
	UserID   string `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Message  string `json:"message"`
	SentAt   string `json:"sent_at,omitempty"`
}

// DMNarrationPayload carries DM narration text.
type DMNarrationPayload struct {
	Text       string `json:"text"`
	NarratedAt string `json:"narrated_at,omitempty"`
}

// PlayerActionPayload describes a declared in-game action.
type PlayerActionPayload struct {
	UserID string `json:"user_id,omitempty"`
	Action string `json:"action"`
}

// TurnChangePayload announces the active turn.
type TurnChangePayload struct {
	Round        int    `json:"round,omitempty"`
	ActiveUserID string `json:"active_user_id"`
}

// CombatUpdatePayload carries an opaque combat-state delta. The client does
// not interpret combat math; the server is authoritative.
type CombatUpdatePayload struct {
	Round int             `json:"round,omitempty"`
	State json.RawMessage `json:"state,omitempty"`
}

// ServerErrorPayload is a non-fatal error pushed by the server.
type ServerErrorPayload struct {
	Message string `json:"message"`
}

// PingPayload is a client liveness probe.
type PingPayload struct {
	RequestID string `json:"request_id"`
}

// PongPayload is the response to a ping.
type PongPayload struct {
	RequestID string `json:"request_id"`
}

// ============================================================================
// Action Types
// ============================================================================

// CharacterUpdate is a partial edit to one character sheet.
type CharacterUpdate struct {
	CharacterID string         `json:"character_id"`
	Patch       map[string]any `json:"patch"`
}

// AckStatus reports how a submitted action was handled.
type AckStatus string

const (
	// AckSent means the action went out over the live connection (or its
	// REST endpoint) immediately.
	AckSent AckStatus = "sent"
	// AckQueued means the action was persisted locally and will be replayed
	// by the sync coordinator once connectivity returns.
	AckQueued AckStatus = "queued"
)

// Ack is the immediate acknowledgement returned by every send method.
type Ack struct {
	Status         AckStatus `json:"status"`
	QueueID        int64     `json:"queue_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}
