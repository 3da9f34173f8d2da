package awareness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trestleinc/replicate/pkg/backend"
	"github.com/trestleinc/replicate/pkg/backend/fake"
	"github.com/trestleinc/replicate/pkg/crdt"
)

func newProvider(t *testing.T, b *fake.Backend, document, clientID string) *Provider {
	t.Helper()
	aw := crdt.NewAwareness(crdt.HashClientID(clientID))
	p := New(Config{
		Collection: "notes",
		Document:   document,
		ClientID:   clientID,
		Backend:    b.Bind("notes"),
		Awareness:  aw,
		Vector:     func() crdt.StateVector { return crdt.StateVector{} },
		Interval:   20 * time.Millisecond,
	})
	return p
}

func TestHeartbeatTransitionsIdleToActiveOnSuccessfulJoin(t *testing.T) {
	b := fake.New()
	p := newProvider(t, b, "doc-1", "clientA")
	p.Start(map[string]any{"name": "Ann"}, nil)
	defer p.Destroy()

	require.Eventually(t, func() bool { return p.State() == StateActive }, time.Second, 5*time.Millisecond)
}

func TestHiddenPageSuppressesJoin(t *testing.T) {
	b := fake.New()
	p := newProvider(t, b, "doc-1", "clientA")
	p.SetVisible(false)
	p.Start(map[string]any{"name": "Ann"}, nil)
	defer p.Destroy()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateIdle, p.State())

	p.SetVisible(true)
	require.Eventually(t, func() bool { return p.State() == StateActive }, time.Second, 5*time.Millisecond)
}

func TestRemoteParticipantAppearsInAwarenessStates(t *testing.T) {
	b := fake.New()
	api := b.Bind("notes")
	p := newProvider(t, b, "doc-1", "clientA")
	p.Start(nil, nil)
	defer p.Destroy()

	require.NoError(t, api.Presence(context.Background(), "doc-1", "clientB", backend.PresenceJoin, nil, map[string]any{"name": "Bob", "color": "#fff"}, nil, 10*time.Second, nil))

	require.Eventually(t, func() bool {
		aw := p.cfg.Awareness
		return aw.RemoteCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRemoteParticipantWithoutProfileGetsStableAnonymousIdentity(t *testing.T) {
	b := fake.New()
	api := b.Bind("notes")
	p := newProvider(t, b, "doc-1", "clientA")
	p.Start(nil, nil)
	defer p.Destroy()

	require.NoError(t, api.Presence(context.Background(), "doc-1", "clientB", backend.PresenceJoin, nil, nil, nil, 10*time.Second, nil))

	require.Eventually(t, func() bool { return p.cfg.Awareness.RemoteCount() == 1 }, time.Second, 5*time.Millisecond)

	var name1, name2 string
	for _, s := range p.cfg.Awareness.States() {
		user, _ := s["user"].(map[string]any)
		if cid, _ := user["clientId"].(string); cid == "clientB" {
			name1, _ = user["name"].(string)
		}
	}
	require.NotEmpty(t, name1)

	hash := crdt.HashClientID("clientB")
	anonName, _ := anonymousIdentity(hash)
	name2 = anonName
	assert.Equal(t, name2, name1)
}

func TestDestroyRemovesRemoteEntriesAndSendsBestEffortLeave(t *testing.T) {
	b := fake.New()
	api := b.Bind("notes")
	p := newProvider(t, b, "doc-1", "clientA")
	p.Start(nil, nil)

	require.NoError(t, api.Presence(context.Background(), "doc-1", "clientB", backend.PresenceJoin, nil, map[string]any{"name": "Bob", "color": "#fff"}, nil, 10*time.Second, nil))
	require.Eventually(t, func() bool { return p.cfg.Awareness.RemoteCount() == 1 }, time.Second, 5*time.Millisecond)

	p.Destroy()
	assert.Equal(t, StateDestroyed, p.State())
	assert.Equal(t, 0, p.cfg.Awareness.RemoteCount())
}

func TestSingleFlightCoalescesSuperseededPayload(t *testing.T) {
	aw := crdt.NewAwareness(1)
	p := &Provider{cfg: Config{
		Collection: "notes",
		Document:   "doc-1",
		ClientID:   "clientA",
		Backend:    slowBackend{delay: 40 * time.Millisecond},
		Awareness:  aw,
	}, state: StateIdle}

	p.sendPresence(presencePayload{action: backend.PresenceJoin})
	time.Sleep(5 * time.Millisecond)
	p.sendPresence(presencePayload{action: backend.PresenceJoin, cursor: map[string]any{"pos": 1}})
	p.sendPresence(presencePayload{action: backend.PresenceJoin, cursor: map[string]any{"pos": 2}})

	p.mu.Lock()
	coalesced := p.nextPayload
	p.mu.Unlock()
	require.NotNil(t, coalesced)
	assert.Equal(t, 2, coalesced.cursor["pos"])
}

// slowBackend is a minimal backend.API stub used only to exercise the
// single-flight coalescing path without a real presence round trip.
type slowBackend struct {
	backend.API
	delay time.Duration
}

func (s slowBackend) Presence(ctx context.Context, document, client string, action backend.PresenceAction, user, profile map[string]any, cursor map[string]any, interval time.Duration, vector crdt.StateVector) error {
	time.Sleep(s.delay)
	return nil
}
