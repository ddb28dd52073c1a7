package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// TypingEvent is an inbound typing notification from a peer.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// TypingSignal is an outbound typing intent aimed at a peer.
type TypingSignal struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId"`
}

// realtimeEnvelope is the wire format for every real-time event, both
// directions.
type realtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound event names.
const (
	eventNewMessage     = "new_message"
	eventUserTyping     = "user_typing"
	eventUserStopTyping = "user_stop_typing"
)

// Outbound event names.
const (
	eventTyping     = "typing"
	eventStopTyping = "stop_typing"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the real-time bridge.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HTTPClient           *http.Client
	Logger               *zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event dispatcher
// ============================================================================

// CancelFunc detaches a previously registered event handler.
type CancelFunc func()

type eventDispatcher struct {
	mu             sync.RWMutex
	nextID         int
	onNewMessage   map[int]func(Message)
	onTyping       map[int]func(TypingEvent)
	onStopTyping   map[int]func(TypingEvent)
	onConnected    map[int]func()
	onDisconnected map[int]func(reason string)
	onReconnecting map[int]func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		onNewMessage:   make(map[int]func(Message)),
		onTyping:       make(map[int]func(TypingEvent)),
		onStopTyping:   make(map[int]func(TypingEvent)),
		onConnected:    make(map[int]func()),
		onDisconnected: make(map[int]func(string)),
		onReconnecting: make(map[int]func(int, time.Duration)),
	}
}

// dispatch runs handlers synchronously so stores observe events in receipt
// order. Store handlers are cheap local mutations; anything slow belongs in
// the caller's own goroutine.
func (d *eventDispatcher) dispatch(env realtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case eventNewMessage:
		var m Message
		if json.Unmarshal(env.Payload, &m) == nil {
			for _, h := range d.onNewMessage {
				h(m)
			}
		}
	case eventUserTyping:
		var ev TypingEvent
		if json.Unmarshal(env.Payload, &ev) == nil {
			for _, h := range d.onTyping {
				h(ev)
			}
		}
	case eventUserStopTyping:
		var ev TypingEvent
		if json.Unmarshal(env.Payload, &ev) == nil {
			for _, h := range d.onStopTyping {
				h(ev)
			}
		}
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.onConnected {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.onDisconnected {
		h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.onReconnecting {
		h(attempt, delay)
	}
}

func (d *eventDispatcher) removeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onNewMessage = make(map[int]func(Message))
	d.onTyping = make(map[int]func(TypingEvent))
	d.onStopTyping = make(map[int]func(TypingEvent))
	d.onConnected = make(map[int]func())
	d.onDisconnected = make(map[int]func(string))
	d.onReconnecting = make(map[int]func(int, time.Duration))
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
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
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the bridge between the WebSocket transport and the local
// stores. It carries no business logic: inbound events are relayed to
// registered handlers, outbound intents are serialized onto the wire.
// Handlers must tolerate duplicate delivery; the transport is at-least-once.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	log     *zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector
}

// NewRealtimeClient creates a real-time bridge for the given API base URL.
// Call Connect to establish the connection.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	return &RealtimeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		log:        cfg.Logger,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// OnNewMessage registers a handler for inbound messages. The returned
// CancelFunc detaches it.
func (rc *RealtimeClient) OnNewMessage(h func(Message)) CancelFunc {
	d := rc.dispatcher
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onNewMessage[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.onNewMessage, id)
		d.mu.Unlock()
	}
}

// OnUserTyping registers a handler for inbound typing notifications.
func (rc *RealtimeClient) OnUserTyping(h func(TypingEvent)) CancelFunc {
	d := rc.dispatcher
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onTyping[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.onTyping, id)
		d.mu.Unlock()
	}
}

// OnUserStopTyping registers a handler for inbound stop-typing notifications.
func (rc *RealtimeClient) OnUserStopTyping(h func(TypingEvent)) CancelFunc {
	d := rc.dispatcher
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onStopTyping[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.onStopTyping, id)
		d.mu.Unlock()
	}
}

// OnConnected registers a handler for the connected meta-event.
func (rc *RealtimeClient) OnConnected(h func()) CancelFunc {
	d := rc.dispatcher
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onConnected[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.onConnected, id)
		d.mu.Unlock()
	}
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rc *RealtimeClient) OnDisconnected(h func(reason string)) CancelFunc {
	d := rc.dispatcher
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onDisconnected[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.onDisconnected, id)
		d.mu.Unlock()
	}
}

// OnReconnecting registers a handler fired before each reconnect attempt.
func (rc *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) CancelFunc {
	d := rc.dispatcher
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onReconnecting[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.onReconnecting, id)
		d.mu.Unlock()
	}
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Connect establishes the WebSocket connection and starts the read loop.
// It is a no-op when already connected or connecting.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	wsURL := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + rc.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: rc.config.HTTPClient,
	})
	if err != nil {
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
		rc.log.Error().Err(err).Msg("realtime dial failed")
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.cancelFn = cancel
	rc.mu.Unlock()
	rc.recon.markConnected()

	rc.log.Debug().Msg("realtime connected")
	rc.dispatcher.emitConnected()

	go rc.readLoop(connCtx, conn)
	return nil
}

// Disconnect gracefully closes the connection. Handler registrations survive
// a disconnect so a later Connect reuses them.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	rc.dispatcher.emitDisconnected("client disconnect")
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Close disconnects and drops every registered handler.
func (rc *RealtimeClient) Close() error {
	err := rc.Disconnect()
	rc.dispatcher.removeAll()
	return err
}

// EmitTyping tells the peer the local user is typing.
func (rc *RealtimeClient) EmitTyping(ctx context.Context, sig TypingSignal) error {
	return rc.emit(ctx, eventTyping, sig)
}

// EmitStopTyping tells the peer the local user stopped typing.
func (rc *RealtimeClient) EmitStopTyping(ctx context.Context, sig TypingSignal) error {
	return rc.emit(ctx, eventStopTyping, sig)
}

func (rc *RealtimeClient) emit(ctx context.Context, eventType string, payload interface{}) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(realtimeEnvelope{Type: eventType, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			if !intentional {
				rc.state = StateDisconnected
				rc.conn = nil
			}
			rc.mu.Unlock()
			if intentional {
				return
			}

			rc.log.Error().Err(err).Msg("realtime connection lost")
			rc.dispatcher.emitDisconnected(err.Error())

			if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
				rc.scheduleReconnect()
			}
			return
		}

		var env realtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rc.dispatcher.dispatch(env)
	}
}

func (rc *RealtimeClient) scheduleReconnect() {
	delay := rc.recon.nextDelay()
	rc.mu.Lock()
	rc.state = StateReconnecting
	rc.mu.Unlock()

	rc.log.Info().Int("attempt", rc.recon.attempt).Dur("delay", delay).Msg("realtime reconnecting")
	rc.dispatcher.emitReconnecting(rc.recon.attempt, delay)

	time.Sleep(delay)

	rc.mu.Lock()
	if rc.intentionalClose {
		rc.mu.Unlock()
		return
	}
	rc.state = StateDisconnected
	rc.mu.Unlock()

	if err := rc.Connect(context.Background()); err != nil {
		if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
			rc.scheduleReconnect()
			return
		}
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
	}
}
