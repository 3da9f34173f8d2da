// Package awareness publishes and consumes presence for one document: this
// participant's profile and cursor on a heartbeat, and the live set of
// remote participants reported by the backend's presence subscription,
// mapped into a crdt.Awareness primitive. Its ticker-driven heartbeat loop
// and cancel-on-reschedule shape mirror pkg/syncer's startup-then-loop
// runtime; its single-flight mutation coalescing reuses the cancel-map
// idiom pkg/actor uses for debounce.
package awareness

import (
	"context"
	"sync"
	"time"

	"github.com/trestleinc/replicate/pkg/backend"
	"github.com/trestleinc/replicate/pkg/crdt"
	"github.com/trestleinc/replicate/pkg/log"
	"github.com/trestleinc/replicate/pkg/metrics"
)

// State is one of the provider's five lifecycle states.
type State string

const (
	StateIdle      State = "idle"
	StateJoining   State = "joining"
	StateActive    State = "active"
	StateLeaving   State = "leaving"
	StateDestroyed State = "destroyed"
)

// transitions enumerates every permitted State -> State move; an attempt
// outside this table is silently ignored rather than panicking, since a
// racing heartbeat/visibility/destroy trio is expected.
var transitions = map[State]map[State]bool{
	StateIdle:      {StateJoining: true, StateDestroyed: true},
	StateJoining:   {StateActive: true, StateLeaving: true, StateDestroyed: true},
	StateActive:    {StateLeaving: true, StateDestroyed: true},
	StateLeaving:   {StateIdle: true, StateJoining: true, StateDestroyed: true},
	StateDestroyed: {},
}

const (
	// DefaultInterval is the heartbeat period, absent an explicit override.
	DefaultInterval = 10 * time.Second

	// LocalUpdateThrottle bounds how often a local cursor/profile change
	// on the underlying awareness primitive can trigger a join.
	LocalUpdateThrottle = 50 * time.Millisecond
)

// VectorFunc returns the state vector to advertise in a join payload.
type VectorFunc func() crdt.StateVector

// Config wires a Provider to its document's concrete dependencies.
type Config struct {
	Collection string
	Document   string
	ClientID   string
	Backend    backend.API
	Awareness  *crdt.Awareness
	Vector     VectorFunc
	Interval   time.Duration
	// Ready, if non-nil, defers the heartbeat loop's first tick until it
	// closes (the sync-ready signal from pkg/syncer's startup sequence).
	Ready <-chan struct{}
}

type presencePayload struct {
	action   backend.PresenceAction
	user     map[string]any
	profile  map[string]any
	cursor   map[string]any
	interval time.Duration
}

// Provider announces this participant's presence and mirrors remote
// participants into cfg.Awareness for one document.
type Provider struct {
	cfg Config

	mu      sync.Mutex
	state   State
	visible bool

	user    map[string]any
	profile map[string]any
	cursor  map[string]any

	inFlight    bool
	nextPayload *presencePayload

	throttleTimer *time.Timer
	heartbeatStop chan struct{}
	heartbeatDone chan struct{}

	streamCtx    context.Context
	streamCancel context.CancelFunc
	streamDone   chan struct{}

	unsubscribeLocal func()
}

// New creates a Provider. Call Start to begin heartbeating and to
// subscribe to remote participants. The provider starts visible.
func New(cfg Config) *Provider {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Provider{
		cfg:     cfg,
		state:   StateIdle,
		visible: true,
	}
}

// State returns the provider's current lifecycle state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// transition moves to next if permitted by the state table, returning
// whether the move happened.
func (p *Provider) transition(next State) bool {
	if !transitions[p.state][next] {
		return false
	}
	p.state = next
	return true
}

// Start begins the heartbeat loop (deferred until cfg.Ready closes, if
// set) and the remote-participant subscription, and registers a listener
// on the local awareness primitive for throttled join-on-edit.
func (p *Provider) Start(user, profile map[string]any) {
	p.mu.Lock()
	p.user = user
	p.profile = profile
	p.mu.Unlock()

	p.heartbeatStop = make(chan struct{})
	p.heartbeatDone = make(chan struct{})
	go p.heartbeatLoop()

	p.unsubscribeLocal = p.cfg.Awareness.Observe(func(update crdt.AwarenessUpdate) {
		if update.Origin != "local" {
			return
		}
		p.scheduleThrottledJoin()
	})

	p.streamCtx, p.streamCancel = context.WithCancel(context.Background())
	p.streamDone = make(chan struct{})
	go p.subscribeRemote()
}

// SetCursor updates the cursor advertised in the next join payload.
func (p *Provider) SetCursor(cursor map[string]any) {
	p.mu.Lock()
	p.cursor = cursor
	p.mu.Unlock()
}

// heartbeatLoop waits for Ready (if configured, deferred by one tick so
// construction can return first, per the design's "initial delay" note),
// then sends a join every Interval whenever idle/leaving and visible.
func (p *Provider) heartbeatLoop() {
	defer close(p.heartbeatDone)

	if p.cfg.Ready != nil {
		select {
		case <-p.cfg.Ready:
		case <-p.heartbeatStop:
			return
		}
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.heartbeatStop:
			return
		case <-ticker.C:
			p.maybeJoin()
		}
	}
}

func (p *Provider) maybeJoin() {
	p.mu.Lock()
	eligible := p.visible && (p.state == StateIdle || p.state == StateLeaving)
	if eligible {
		p.transition(StateJoining)
	}
	p.mu.Unlock()
	if eligible {
		p.sendJoin()
	}
}

func (p *Provider) scheduleThrottledJoin() {
	p.mu.Lock()
	if p.state == StateDestroyed {
		p.mu.Unlock()
		return
	}
	if p.throttleTimer != nil {
		p.mu.Unlock()
		return
	}
	p.throttleTimer = time.AfterFunc(LocalUpdateThrottle, func() {
		p.mu.Lock()
		p.throttleTimer = nil
		p.mu.Unlock()
		p.joinNow()
	})
	p.mu.Unlock()
}

// joinNow sends a join payload for a local cursor/profile change: an
// idle/leaving provider transitions to joining first, an active one
// re-announces without a state change.
func (p *Provider) joinNow() {
	p.mu.Lock()
	if p.state == StateDestroyed || !p.visible {
		p.mu.Unlock()
		return
	}
	if p.state == StateIdle || p.state == StateLeaving {
		p.transition(StateJoining)
	}
	p.mu.Unlock()
	p.sendJoin()
}

// SetVisible is the Go-idiomatic stand-in for the browser's
// visibilitychange event: the embedding application calls it when the
// document's visibility changes. Going hidden triggers a leave; becoming
// visible again triggers a join.
func (p *Provider) SetVisible(visible bool) {
	p.mu.Lock()
	changed := p.visible != visible
	p.visible = visible
	p.mu.Unlock()
	if !changed {
		return
	}
	if visible {
		p.maybeJoin()
	} else {
		p.leave()
	}
}

// PageHide is the stand-in for the browser's non-persisted pagehide
// event: a best-effort leave mutation with no state transition, since the
// process is going away regardless of what the state machine says.
func (p *Provider) PageHide() {
	p.sendPresence(presencePayload{action: backend.PresenceLeave})
}

func (p *Provider) leave() {
	p.mu.Lock()
	moved := p.transition(StateLeaving)
	p.mu.Unlock()
	if moved {
		p.sendLeave()
	}
}

func (p *Provider) sendJoin() {
	p.mu.Lock()
	payload := presencePayload{
		action:   backend.PresenceJoin,
		user:     p.user,
		profile:  p.profile,
		cursor:   p.cursor,
		interval: p.cfg.Interval,
	}
	p.mu.Unlock()
	p.sendPresence(payload)
}

func (p *Provider) sendLeave() {
	p.sendPresence(presencePayload{action: backend.PresenceLeave})
}

// sendPresence is the single-flight entry point: at most one presence
// mutation is in flight at a time. A payload arriving while one is in
// flight replaces (coalesces into) the pending "next" slot rather than
// starting a second concurrent call.
func (p *Provider) sendPresence(payload presencePayload) {
	p.mu.Lock()
	if p.inFlight {
		p.nextPayload = &payload
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.mu.Unlock()

	go p.runPresence(payload)
}

func (p *Provider) runPresence(payload presencePayload) {
	var vector crdt.StateVector
	if p.cfg.Vector != nil {
		vector = p.cfg.Vector()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := p.cfg.Backend.Presence(ctx, p.cfg.Document, p.cfg.ClientID, payload.action, payload.user, payload.profile, payload.cursor, payload.interval, vector)
	cancel()
	if err != nil {
		logger := log.WithComponent("awareness")
		logger.Error().Err(err).
			Str("collection", p.cfg.Collection).Str("document", p.cfg.Document).
			Str("action", string(payload.action)).Msg("presence mutation failed")
	} else if payload.action == backend.PresenceJoin {
		p.mu.Lock()
		if p.state == StateJoining {
			p.transition(StateActive)
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	next := p.nextPayload
	p.nextPayload = nil
	if next == nil {
		p.inFlight = false
	}
	p.mu.Unlock()

	if next != nil {
		p.runPresence(*next)
	}
}

// subscribeRemote consumes the backend's presence subscription for this
// document, mirroring the reported participants into cfg.Awareness.
func (p *Provider) subscribeRemote() {
	defer close(p.streamDone)

	sessions, stop, err := p.cfg.Backend.Sessions(p.streamCtx, p.cfg.Document, true, p.cfg.ClientID)
	if err != nil {
		logger := log.WithComponent("awareness")
		logger.Error().Err(err).
			Str("collection", p.cfg.Collection).Str("document", p.cfg.Document).
			Msg("failed to open presence subscription")
		return
	}
	defer stop()

	for list := range sessions {
		p.applyRemote(list)
	}
}

func (p *Provider) applyRemote(list []backend.Presence) {
	states := make(map[uint64]crdt.AwarenessState, len(list))
	for _, participant := range list {
		if participant.ClientID == p.cfg.ClientID {
			continue
		}
		hash := crdt.HashClientID(participant.ClientID)
		states[hash] = presenceToState(participant, hash)
	}
	p.cfg.Awareness.ApplyRemoteStates(states)
	metrics.AwarenessParticipants.WithLabelValues(p.cfg.Collection, p.cfg.Document).Set(float64(len(states)))
}

func presenceToState(participant backend.Presence, hash uint64) crdt.AwarenessState {
	name := profileString(participant, "name")
	color := profileString(participant, "color")
	if name == "" || color == "" {
		anonName, anonColor := anonymousIdentity(hash)
		if name == "" {
			name = anonName
		}
		if color == "" {
			color = anonColor
		}
	}
	avatar := profileString(participant, "avatar")

	user := map[string]any{
		"name":     name,
		"color":    color,
		"clientId": participant.ClientID,
	}
	if avatar != "" {
		user["avatar"] = avatar
	}

	state := crdt.AwarenessState{"user": user}
	if participant.Cursor != nil {
		state["cursor"] = participant.Cursor
	}
	return state
}

// profileString reads key from the participant's declared profile,
// falling back to its user map.
func profileString(participant backend.Presence, key string) string {
	if v, ok := participant.Profile[key].(string); ok && v != "" {
		return v
	}
	v, _ := participant.User[key].(string)
	return v
}

// Destroy transitions to destroyed, stops every timer, drops any pending
// single-flight payload, unsubscribes the local-update listener and the
// presence subscription, clears all remote entries from the awareness
// primitive (emitting a final "remote"-origin update), and sends a
// best-effort leave mutation.
func (p *Provider) Destroy() {
	p.mu.Lock()
	if p.state == StateDestroyed {
		p.mu.Unlock()
		return
	}
	p.state = StateDestroyed
	if p.throttleTimer != nil {
		p.throttleTimer.Stop()
		p.throttleTimer = nil
	}
	p.nextPayload = nil
	p.mu.Unlock()

	if p.heartbeatStop != nil {
		close(p.heartbeatStop)
		<-p.heartbeatDone
	}
	if p.unsubscribeLocal != nil {
		p.unsubscribeLocal()
	}
	if p.streamCancel != nil {
		p.streamCancel()
		<-p.streamDone
	}

	p.cfg.Awareness.ClearRemote()
	metrics.AwarenessParticipants.WithLabelValues(p.cfg.Collection, p.cfg.Document).Set(0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.cfg.Backend.Presence(ctx, p.cfg.Document, p.cfg.ClientID, backend.PresenceLeave, nil, nil, nil, 0, nil)

	p.cfg.Awareness.Destroy()
}
