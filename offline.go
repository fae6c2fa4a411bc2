package tabletop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Durable Queue
// ============================================================================

// Queue names, one per action kind.
const (
	QueueRolls            = "pendingRolls"
	QueueMessages         = "pendingMessages"
	QueueCharacterUpdates = "pendingCharacterUpdates"
)

// Background-sync trigger names, one per queue.
const (
	TriggerSyncRolls            = "sync-dice-rolls"
	TriggerSyncMessages         = "sync-chat-messages"
	TriggerSyncCharacterUpdates = "sync-character-updates"
)

var queueNames = []string{QueueRolls, QueueMessages, QueueCharacterUpdates}

var queueTriggers = map[string]string{
	QueueRolls:            TriggerSyncRolls,
	QueueMessages:         TriggerSyncMessages,
	QueueCharacterUpdates: TriggerSyncCharacterUpdates,
}

var triggerQueues = map[string]string{
	TriggerSyncRolls:            QueueRolls,
	TriggerSyncMessages:         QueueMessages,
	TriggerSyncCharacterUpdates: QueueCharacterUpdates,
}

// QueueEntry is one persisted outgoing action. An entry exists in the store
// if and only if it has not yet been successfully submitted.
type QueueEntry struct {
	ID             int64           `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// DurableQueue is the persistence capability behind the offline queue. It
// holds no business logic: pure append, list, clear.
//
// List returns entries in insertion order. Clear removes entries up to and
// including throughID only, so entries appended mid-drain survive. The
// implementation must serialize List/Clear against concurrent Append.
type DurableQueue interface {
	Append(ctx context.Context, queue string, entry QueueEntry) (int64, error)
	List(ctx context.Context, queue string) ([]QueueEntry, error)
	Clear(ctx context.Context, queue string, throughID int64) error
	Len(ctx context.Context, queue string) (int, error)
	Close() error
}

// ============================================================================
// MemoryQueue
// ============================================================================

// MemoryQueue is a goroutine-safe in-memory DurableQueue. It does not survive
// a process restart; use OpenSQLiteQueue for durable queuing.
type MemoryQueue struct {
	mu     sync.Mutex
	nextID int64
	queues map[string][]QueueEntry
}

// NewMemoryQueue creates an empty in-memory queue store.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: make(map[string][]QueueEntry)}
}

func (q *MemoryQueue) Append(_ context.Context, queue string, entry QueueEntry) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	entry.ID = q.nextID
	q.queues[queue] = append(q.queues[queue], entry)
	return entry.ID, nil
}

func (q *MemoryQueue) List(_ context.Context, queue string) ([]QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueueEntry{}, q.queues[queue]...), nil
}

func (q *MemoryQueue) Clear(_ context.Context, queue string, throughID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.queues[queue]
	var kept []QueueEntry
	for _, e := range entries {
		if e.ID > throughID {
			kept = append(kept, e)
		}
	}
	q.queues[queue] = kept
	return nil
}

func (q *MemoryQueue) Len(_ context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[queue]), nil
}

func (q *MemoryQueue) Close() error { return nil }

// ============================================================================
// Capability Interfaces
// ============================================================================

// ConnectivityProbe reports whether the network is believed reachable. The
// default probe always reports online and lets submission attempts discover
// the truth; browser-style hosts can inject a real probe.
type ConnectivityProbe interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// SyncScheduler fires registered background-sync triggers even when no
// foreground session activity is happening, subject to host scheduling.
type SyncScheduler interface {
	// Register arms one trigger. Registering an armed trigger is a no-op.
	Register(trigger string)
	// Start begins delivering armed triggers to fire.
	Start(fire func(trigger string))
	// Stop ends trigger delivery.
	Stop()
}

// TickerScheduler fires every armed trigger on a fixed interval.
type TickerScheduler struct {
	interval time.Duration

	mu      sync.Mutex
	armed   map[string]bool
	stopCh  chan struct{}
	started bool
	stopped bool
}

// NewTickerScheduler creates a scheduler that fires armed triggers once per
// interval.
func NewTickerScheduler(interval time.Duration) *TickerScheduler {
	return &TickerScheduler{
		interval: interval,
		armed:    make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

func (t *TickerScheduler) Register(trigger string) {
	t.mu.Lock()
	t.armed[trigger] = true
	t.mu.Unlock()
}

func (t *TickerScheduler) Start(fire func(trigger string)) {
	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.mu.Lock()
				triggers := make([]string, 0, len(t.armed))
				for trig := range t.armed {
					triggers = append(triggers, trig)
				}
				t.mu.Unlock()
				for _, trig := range triggers {
					fire(trig)
				}
			}
		}
	}()
}

func (t *TickerScheduler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.stopCh)
	}
}

// ============================================================================
// Sync Coordinator
// ============================================================================

// SyncCoordinator drains the durable queues against the server. It is
// triggered by connectivity-restored transitions, background-sync callbacks,
// and manual Drain calls.
type SyncCoordinator struct {
	client    *Client
	queue     DurableQueue
	probe     ConnectivityProbe
	scheduler SyncScheduler
	logger    zerolog.Logger

	startOnce sync.Once

	mu       sync.Mutex
	draining map[string]bool
}

func newSyncCoordinator(c *Client, logger zerolog.Logger) *SyncCoordinator {
	return &SyncCoordinator{
		client:    c,
		queue:     c.queue,
		probe:     c.probe,
		scheduler: c.scheduler,
		logger:    logger,
		draining:  make(map[string]bool),
	}
}

// start begins background-sync delivery. The coordinator is shared by every
// session of one client, so the scheduler is started at most once and keeps
// running across session closes.
func (sc *SyncCoordinator) start() {
	sc.startOnce.Do(func() {
		sc.scheduler.Start(func(trigger string) {
			queue, ok := triggerQueues[trigger]
			if !ok {
				sc.logger.Debug().Str("trigger", trigger).Msg("ignoring unknown sync trigger")
				return
			}
			if err := sc.drainQueue(context.Background(), queue); err != nil {
				sc.logger.Warn().Err(err).Str("queue", queue).Msg("background drain failed")
			}
		})
	})
}

func (sc *SyncCoordinator) stop() {
	sc.scheduler.Stop()
}

// DrainAll drains every queue. The first failing queue does not stop the
// others; the first error is returned.
func (sc *SyncCoordinator) DrainAll(ctx context.Context) error {
	var firstErr error
	for _, queue := range queueNames {
		if err := sc.drainQueue(ctx, queue); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// drainQueue lists one queue and replays each entry sequentially in insertion
// order, awaiting each submission before the next. The store is cleared only
// through the last listed id, and only after the whole list succeeded. A
// failed submission aborts the drain and leaves the remainder queued for the
// next trigger; delivery is therefore at-least-once.
func (sc *SyncCoordinator) drainQueue(ctx context.Context, queue string) error {
	sc.mu.Lock()
	if sc.draining[queue] {
		sc.mu.Unlock()
		return nil
	}
	sc.draining[queue] = true
	sc.mu.Unlock()

	defer func() {
		sc.mu.Lock()
		sc.draining[queue] = false
		sc.mu.Unlock()
	}()

	if !sc.probe.Online() {
		return nil
	}

	entries, err := sc.queue.List(ctx, queue)
	if err != nil {
		return fmt.Errorf("list %s: %w", queue, err)
	}
	if len(entries) == 0 {
		return nil
	}

	for _, entry := range entries {
		if err := sc.submit(ctx, queue, entry); err != nil {
			sc.logger.Warn().Err(err).
				Str("queue", queue).
				Int64("entry_id", entry.ID).
				Msg("drain aborted, entry remains queued")
			return err
		}
	}

	last := entries[len(entries)-1].ID
	if err := sc.queue.Clear(ctx, queue, last); err != nil {
		// Entries were delivered but not cleared; the next drain replays
		// them and the server deduplicates by idempotency key.
		return fmt.Errorf("clear %s: %w", queue, err)
	}

	sc.logger.Info().Str("queue", queue).Int("entries", len(entries)).Msg("drained")
	return nil
}

func (sc *SyncCoordinator) submit(ctx context.Context, queue string, entry QueueEntry) error {
	body := withIdempotencyKey(entry.Payload, entry.IdempotencyKey)

	var result *Result
	var err error
	switch queue {
	case QueueRolls:
		result, err = sc.client.SyncDiceRoll(ctx, body)
	case QueueMessages:
		result, err = sc.client.SyncMessage(ctx, body)
	case QueueCharacterUpdates:
		var update CharacterUpdate
		if uerr := json.Unmarshal(entry.Payload, &update); uerr != nil {
			return fmt.Errorf("decode queued character update: %w", uerr)
		}
		patch := map[string]any{"patch": update.Patch, "idempotency_key": entry.IdempotencyKey}
		result, err = sc.client.do(ctx, "PATCH", "/api/characters/"+update.CharacterID, patch, nil)
	default:
		return fmt.Errorf("unknown queue %q", queue)
	}
	if err != nil {
		return err
	}
	if !result.OK {
		if result.Error != nil {
			return result.Error
		}
		return fmt.Errorf("submission rejected")
	}
	return nil
}

// withIdempotencyKey injects the entry's key into the payload object so the
// server can deduplicate replayed submissions.
func withIdempotencyKey(payload json.RawMessage, key string) json.RawMessage {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload
	}
	obj["idempotency_key"] = key
	data, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return data
}

// ============================================================================
// Send API
// ============================================================================

// SendAPI is the outgoing-action surface of a session. Actions with a durable
// queue (dice rolls, chat messages, character updates) never block on network
// availability: while disconnected they are persisted and acknowledged as
// queued. Pure notifications require a live connection.
type SendAPI struct {
	session *SessionClient
}

// DiceRoll submits a dice roll, queuing it while offline.
func (a *SendAPI) DiceRoll(ctx context.Context, roll DiceRollPayload) (*Ack, error) {
	if roll.Notation == "" {
		return nil, fmt.Errorf("tabletop: roll notation is required")
	}
	if roll.UserID == "" {
		roll.UserID = a.session.target.UserID
	}
	return a.submitOrQueue(ctx, QueueRolls, EventDiceRoll, roll)
}

// ChatMessage submits a chat message, queuing it while offline.
func (a *SendAPI) ChatMessage(ctx context.Context, text string) (*Ack, error) {
	if text == "" {
		return nil, fmt.Errorf("tabletop: message text is required")
	}
	msg := ChatMessagePayload{
		UserID:  a.session.target.UserID,
		Message: text,
		SentAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	return a.submitOrQueue(ctx, QueueMessages, EventChatMessage, msg)
}

// CharacterUpdate submits a partial character edit. Character updates have no
// socket verb; they go over REST when connected and queue while offline.
func (a *SendAPI) CharacterUpdate(ctx context.Context, update CharacterUpdate) (*Ack, error) {
	if update.CharacterID == "" {
		return nil, fmt.Errorf("tabletop: character id is required")
	}
	s := a.session
	if s.IsConnected() {
		result, err := s.client.PatchCharacter(ctx, update)
		if err != nil {
			return nil, err
		}
		if !result.OK {
			if result.Error != nil {
				return nil, result.Error
			}
			return nil, fmt.Errorf("character update rejected")
		}
		return &Ack{Status: AckSent}, nil
	}
	return a.enqueue(ctx, QueueCharacterUpdates, update)
}

// DMNarration sends DM narration over the live connection.
func (a *SendAPI) DMNarration(ctx context.Context, text string) (*Ack, error) {
	return a.sendLive(ctx, EventDMNarration, DMNarrationPayload{Text: text})
}

// PlayerAction declares an in-game action over the live connection.
func (a *SendAPI) PlayerAction(ctx context.Context, action string) (*Ack, error) {
	return a.sendLive(ctx, EventPlayerAction, PlayerActionPayload{
		UserID: a.session.target.UserID,
		Action: action,
	})
}

// TurnChange announces a turn change over the live connection.
func (a *SendAPI) TurnChange(ctx context.Context, turn TurnChangePayload) (*Ack, error) {
	return a.sendLive(ctx, EventTurnChange, turn)
}

// CombatUpdate sends a combat-state delta over the live connection.
func (a *SendAPI) CombatUpdate(ctx context.Context, combat CombatUpdatePayload) (*Ack, error) {
	return a.sendLive(ctx, EventCombatUpdate, combat)
}

// ── internals ────────────────────────────────────────────

func (a *SendAPI) sendLive(ctx context.Context, event EventType, payload interface{}) (*Ack, error) {
	if err := a.session.writeEnvelope(ctx, event, payload); err != nil {
		return nil, err
	}
	return &Ack{Status: AckSent}, nil
}

// submitOrQueue sends the action over the live socket when connected and
// falls back to the durable queue otherwise. Losing the transport between the
// connected check and the write also queues instead of failing.
func (a *SendAPI) submitOrQueue(ctx context.Context, queue string, event EventType, payload interface{}) (*Ack, error) {
	s := a.session
	if s.IsConnected() {
		err := s.writeEnvelope(ctx, event, payload)
		if err == nil {
			return &Ack{Status: AckSent}, nil
		}
		if !errors.Is(err, ErrNotConnected) {
			return nil, err
		}
	}
	return a.enqueue(ctx, queue, payload)
}

func (a *SendAPI) enqueue(ctx context.Context, queue string, payload interface{}) (*Ack, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal queued payload: %w", err)
	}
	entry := QueueEntry{
		IdempotencyKey: uuid.NewString(),
		Payload:        raw,
		EnqueuedAt:     time.Now().UTC(),
	}
	id, err := a.session.client.queue.Append(ctx, queue, entry)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	a.session.client.scheduler.Register(queueTriggers[queue])
	a.session.logger.Debug().Str("queue", queue).Int64("entry_id", id).Msg("action queued offline")
	return &Ack{Status: AckQueued, QueueID: id, IdempotencyKey: entry.IdempotencyKey}, nil
}

// ============================================================================
// Session pending state
// ============================================================================

// PendingCount returns the number of actions awaiting submission across all
// queues. It is the sole user-facing indicator that actions have been pending
// without a successful connection.
func (s *SessionClient) PendingCount(ctx context.Context) (int, error) {
	total := 0
	for _, queue := range queueNames {
		n, err := s.client.queue.Len(ctx, queue)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Drain manually triggers a full drain of every queue.
func (s *SessionClient) Drain(ctx context.Context) error {
	return s.coordinator.DrainAll(ctx)
}
