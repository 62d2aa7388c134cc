package messaging

import (
	"math/rand"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []DeliveryState{StateQueued, StateSent, StateDelivered, StateFailed, StateExpired}

func TestCanTransition(t *testing.T) {
	allowed := map[DeliveryState][]DeliveryState{
		StateQueued:    {StateSent, StateDelivered, StateFailed, StateExpired},
		StateSent:      {StateDelivered, StateFailed, StateExpired},
		StateDelivered: {StateExpired},
		StateFailed:    {StateExpired},
		StateExpired:   {},
	}

	for _, from := range allStates {
		for _, to := range allStates {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransitionUnknownState(t *testing.T) {
	assert.False(t, CanTransition(StateQueued, DeliveryState(42)))
	assert.False(t, CanTransition(DeliveryState(42), StateExpired))
}

func TestDeliveryStateStringRoundTrip(t *testing.T) {
	for _, s := range allStates {
		parsed, ok := ParseDeliveryState(s.String())
		require.True(t, ok, s.String())
		assert.Equal(t, s, parsed)
	}
	_, ok := ParseDeliveryState("bogus")
	assert.False(t, ok)
	assert.Equal(t, "unknown", DeliveryState(42).String())
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, StateQueued.IsTerminal())
	assert.False(t, StateSent.IsTerminal())
	assert.True(t, StateDelivered.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.True(t, StateExpired.IsTerminal())
}

// highestReachable replays proposals through CanTransition alone.
func highestReachable(start DeliveryState, proposals []DeliveryState) DeliveryState {
	state := start
	for _, p := range proposals {
		if CanTransition(state, p) {
			state = p
		}
	}
	return state
}

// TestDuplicateDeliveryIsMonotonic feeds random duplicate copies of one
// message through Upsert and ApplyTransition and checks the stored state never
// moves backward and ends where the partial order alone would put it.
func TestDuplicateDeliveryIsMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		store := NewStore(clockwork.NewFakeClockAt(testEpoch), nil)
		base := newTestMessage("m1", 0)
		_, _, err := store.Upsert(base)
		require.NoError(t, err)

		proposals := make([]DeliveryState, 12)
		previous := StateQueued
		for i := range proposals {
			proposals[i] = allStates[rng.Intn(len(allStates))]

			if rng.Intn(2) == 0 {
				dup := base
				dup.State = proposals[i]
				_, _, err := store.Upsert(dup)
				require.NoError(t, err)
			} else {
				_, _ = store.ApplyTransition("m1", proposals[i], Evidence{Source: "test"})
			}

			current, ok := store.Message("m1")
			require.True(t, ok)
			assert.True(t, current.State == previous || CanTransition(previous, current.State),
				"round %d: state moved backward %s -> %s", round, previous, current.State)
			previous = current.State
		}

		final, _ := store.Message("m1")
		assert.Equal(t, highestReachable(StateQueued, proposals), final.State, "round %d", round)
	}
}

func TestTerminalStateStability(t *testing.T) {
	for _, terminal := range []DeliveryState{StateDelivered, StateFailed} {
		t.Run(terminal.String(), func(t *testing.T) {
			store := NewStore(clockwork.NewFakeClockAt(testEpoch), nil)
			_, _, err := store.Upsert(newTestMessage("m1", 0))
			require.NoError(t, err)

			changed, err := store.ApplyTransition("m1", StateSent, Evidence{})
			require.NoError(t, err)
			require.True(t, changed)
			changed, err = store.ApplyTransition("m1", terminal, Evidence{})
			require.NoError(t, err)
			require.True(t, changed)

			for _, s := range []DeliveryState{StateQueued, StateSent, StateDelivered, StateFailed} {
				if s == terminal {
					continue
				}
				changed, err := store.ApplyTransition("m1", s, Evidence{})
				assert.ErrorIs(t, err, ErrIllegalTransition)
				assert.False(t, changed)
			}

			msg, _ := store.Message("m1")
			assert.Equal(t, terminal, msg.State)

			changed, err = store.ApplyTransition("m1", StateExpired, Evidence{})
			require.NoError(t, err)
			assert.True(t, changed)

			changed, err = store.ApplyTransition("m1", terminal, Evidence{})
			assert.ErrorIs(t, err, ErrIllegalTransition)
			assert.False(t, changed, "expired must never be reversed")
		})
	}
}
