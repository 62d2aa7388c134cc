package toxrelay

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/opd-ai/toxrelay/messaging"
	"github.com/opd-ai/toxrelay/metrics"
	"github.com/opd-ai/toxrelay/persist"
	simtest "github.com/opd-ai/toxrelay/testing"
	"github.com/opd-ai/toxrelay/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var relayEpoch = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeClock is the part of the clockwork fake clock the tests drive.
type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
}

type relayFixture struct {
	clock  fakeClock
	server *simtest.SimServer
	stream *simtest.SimTransport
	relay  *Relay
	reader *sdkmetric.ManualReader
}

func newRelayFixture(t *testing.T, clock fakeClock, server *simtest.SimServer, ledger Ledger) *relayFixture {
	t.Helper()

	stream := server.Stream("alice")
	poller, err := transport.NewPollingTransport(server, transport.PollingConfig{
		DeviceID: "alice",
		Clock:    clock,
	})
	require.NoError(t, err)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })
	m, err := metrics.NewMetrics(provider)
	require.NoError(t, err)

	options := NewOptions()
	options.DeviceID = "alice"
	options.Primary = stream
	options.Fallback = poller
	options.Fetcher = server
	options.Authorizer = server
	options.Clock = clock
	options.Metrics = m
	if ledger != nil {
		options.Ledger = ledger
	}

	relay, err := New(options)
	require.NoError(t, err)
	t.Cleanup(func() { relay.Shutdown(context.Background()) })

	return &relayFixture{clock: clock, server: server, stream: stream, relay: relay, reader: reader}
}

func newStartedFixture(t *testing.T) *relayFixture {
	t.Helper()
	server := simtest.NewSimServer(nil)
	server.AddParticipants("c1", "alice", "bob")
	f := newRelayFixture(t, clockwork.NewFakeClockAt(relayEpoch), server, nil)
	require.NoError(t, f.relay.OpenConversation("c1", []string{"alice", "bob"}))
	require.NoError(t, f.relay.Start(context.Background()))
	return f
}

func (f *relayFixture) state(id string) messaging.DeliveryState {
	msg, ok := f.relay.Message(id)
	if !ok {
		return messaging.DeliveryState(255)
	}
	return msg.State
}

func (f *relayFixture) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			data, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range data.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestNewValidation(t *testing.T) {
	server := simtest.NewSimServer(nil)

	_, err := New(&Options{Fetcher: server, Fallback: server.Stream("alice")})
	assert.Error(t, err, "device ID is required")

	_, err = New(&Options{DeviceID: "alice", Primary: server.Stream("alice")})
	assert.Error(t, err, "fetcher is required")

	_, err = New(&Options{DeviceID: "alice", Fetcher: server})
	assert.Error(t, err, "a transport is required")
}

func TestSendBeforeStartAndAfterShutdown(t *testing.T) {
	server := simtest.NewSimServer(nil)
	f := newRelayFixture(t, clockwork.NewFakeClockAt(relayEpoch), server, nil)
	ctx := context.Background()

	_, err := f.relay.Send(ctx, "c1", "alice", []byte("early"))
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, f.relay.Start(ctx))
	assert.ErrorIs(t, f.relay.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, f.relay.Shutdown(ctx))
	require.NoError(t, f.relay.Shutdown(ctx))
	_, err = f.relay.Send(ctx, "c1", "alice", []byte("late"))
	assert.ErrorIs(t, err, ErrRelayClosed)
	assert.ErrorIs(t, f.relay.Reconnect(ctx), ErrRelayClosed)
	assert.Equal(t, transport.StateDisconnected, f.relay.TransportState())
}

func TestSendDeliveredOverPrimary(t *testing.T) {
	f := newStartedFixture(t)
	events, cancel := f.relay.Subscribe(16)
	defer cancel()

	msg, err := f.relay.Send(context.Background(), "c1", "", []byte("hello bob"))
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.SenderID, "empty sender defaults to the device")
	assert.NotEmpty(t, msg.ID)

	require.Eventually(t, func() bool { return f.state(msg.ID) == messaging.StateDelivered }, waitFor, tick)

	sent := f.server.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, msg.ID, sent[0].ID)
	assert.Equal(t, []byte("hello bob"), sent[0].Payload)

	var seen []messaging.Event
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				seen = append(seen, ev)
			default:
				return len(seen) > 0 && seen[len(seen)-1].State == messaging.StateDelivered
			}
		}
	}, waitFor, tick)
	assert.Equal(t, messaging.EventNewMessage, seen[0].Type)
	assert.Equal(t, messaging.StateQueued, seen[0].State)
	for i := 1; i < len(seen); i++ {
		assert.True(t, seen[i].State.Later(seen[i-1].State), "states only move forward")
	}

	msgs := slices.Collect(f.relay.Messages("c1"))
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
}

func TestSendValidation(t *testing.T) {
	f := newStartedFixture(t)
	ctx := context.Background()

	_, err := f.relay.Send(ctx, "c1", "alice", nil)
	assert.Error(t, err)
	_, err = f.relay.Send(ctx, "", "alice", []byte("x"))
	assert.ErrorIs(t, err, messaging.ErrInvalidMessage)
	assert.Empty(t, f.server.Sent())
}

func TestInboundMessagesAdmittedOnce(t *testing.T) {
	f := newStartedFixture(t)

	inbound := messaging.Message{
		ID:             "from-bob",
		ConversationID: "c1",
		SenderID:       "bob",
		Payload:        []byte("hi alice"),
		CreatedAt:      relayEpoch,
	}
	f.server.Publish(inbound)
	f.stream.Inject(transport.Event{Type: transport.EventNewMessage, Message: inbound})

	require.Eventually(t, func() bool { return f.state("from-bob") == messaging.StateDelivered }, waitFor, tick)
	require.Eventually(t, func() bool {
		return f.counter(t, "toxrelay.messages.received.total") == 1
	}, waitFor, tick)
	assert.Len(t, slices.Collect(f.relay.Messages("c1")), 1)

	conv, ok := f.relay.Conversation("c1")
	require.True(t, ok)
	assert.Contains(t, conv.Participants, "bob")
}

func TestSendRefusedByAuthorizer(t *testing.T) {
	f := newStartedFixture(t)
	f.server.Deny("alice", "c1")

	msg, err := f.relay.Send(context.Background(), "c1", "alice", []byte("nope"))
	assert.ErrorIs(t, err, messaging.ErrAuthorizationDenied)
	assert.Equal(t, messaging.StateFailed, msg.State)
	assert.Equal(t, messaging.StateFailed, f.state(msg.ID))
	assert.Empty(t, f.server.Sent())
}

func TestSendFailsWhenAuthorizerUnreachable(t *testing.T) {
	f := newStartedFixture(t)
	f.server.SetReachable(false)

	_, err := f.relay.Send(context.Background(), "c1", "alice", []byte("x"))
	assert.ErrorIs(t, err, simtest.ErrSimUnreachable)
	assert.Empty(t, slices.Collect(f.relay.Messages("c1")))
}

func TestClosedConversationRejectsSends(t *testing.T) {
	f := newStartedFixture(t)
	f.server.SetAutoAck(false)
	ctx := context.Background()

	pending, err := f.relay.Send(ctx, "c1", "alice", []byte("in flight"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.state(pending.ID) == messaging.StateSent }, waitFor, tick)

	assert.True(t, f.relay.CloseConversation("c1"))
	assert.False(t, f.relay.CloseConversation("c1"))

	_, err = f.relay.Send(ctx, "c1", "alice", []byte("after close"))
	assert.ErrorIs(t, err, messaging.ErrConversationClosed)
	assert.Equal(t, messaging.StateSent, f.state(pending.ID), "stored messages are kept")
	assert.Len(t, f.server.Sent(), 1)
}

func TestFailoverToPollingAndBack(t *testing.T) {
	f := newStartedFixture(t)
	ctx := context.Background()

	first, err := f.relay.Send(ctx, "c1", "alice", []byte("over the stream"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.state(first.ID) == messaging.StateDelivered }, waitFor, tick)

	f.stream.Drop()
	assert.Equal(t, transport.StatePrimaryActive, f.relay.TransportState(), "grace window keeps the primary")

	second, err := f.relay.Send(ctx, "c1", "alice", []byte("bridged"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.state(second.ID) == messaging.StateSent }, waitFor, tick)

	f.clock.Advance(transport.DefaultGracePeriod)
	require.Eventually(t, func() bool {
		return f.relay.TransportState() == transport.StateFallbackActive
	}, waitFor, tick)
	require.Eventually(t, func() bool { return f.state(second.ID) == messaging.StateDelivered }, waitFor, tick)

	f.stream.Restore()
	require.Eventually(t, func() bool {
		return f.relay.TransportState() == transport.StatePrimaryActive
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return f.counter(t, "toxrelay.transport.gaps.total") == 2
	}, waitFor, tick)
	assert.Len(t, f.server.Sent(), 2)
}

func TestReconnectReconcilesMissedMessages(t *testing.T) {
	f := newStartedFixture(t)
	require.Eventually(t, func() bool {
		_, ok := f.relay.engine.Watermark("c1")
		return ok
	}, waitFor, tick, "startup reconciliation")

	missed := messaging.Message{
		ID:             "missed",
		ConversationID: "c1",
		SenderID:       "bob",
		Payload:        []byte("sent during the gap"),
		CreatedAt:      f.clock.Now(),
		State:          messaging.StateDelivered,
	}
	f.server.Store(missed)
	_, ok := f.relay.Message("missed")
	require.False(t, ok)

	require.NoError(t, f.relay.Reconnect(context.Background()))
	require.Eventually(t, func() bool { return f.state("missed") == messaging.StateDelivered }, waitFor, tick)

	result, err := f.relay.Reconcile(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Admitted, "reconciliation is idempotent")
	assert.Len(t, slices.Collect(f.relay.Messages("c1")), 1)
}

func TestReconcileDoesNotSettleUnacknowledgedSend(t *testing.T) {
	f := newStartedFixture(t)
	f.server.SetAutoAck(false)
	ctx := context.Background()

	msg, err := f.relay.Send(ctx, "c1", "alice", []byte("awaiting bob"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.state(msg.ID) == messaging.StateSent }, waitFor, tick)

	_, err = f.relay.Reconcile(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, messaging.StateSent, f.state(msg.ID), "history alone is not an acknowledgment")

	require.NoError(t, f.server.Acknowledge(msg.ID, "bob"))
	require.Eventually(t, func() bool { return f.state(msg.ID) == messaging.StateDelivered }, waitFor, tick)
}

func TestRestartResumesPendingDelivery(t *testing.T) {
	ledger, err := persist.Open(persist.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	clock := clockwork.NewFakeClockAt(relayEpoch)
	server := simtest.NewSimServer(nil)
	server.AddParticipants("c1", "alice", "bob")
	server.SetAutoAck(false)
	ctx := context.Background()

	first := newRelayFixture(t, clock, server, ledger)
	require.NoError(t, first.relay.Start(ctx))
	msg, err := first.relay.Send(ctx, "c1", "alice", []byte("survives restart"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.state(msg.ID) == messaging.StateSent }, waitFor, tick)
	require.NoError(t, first.relay.Shutdown(ctx))

	second := newRelayFixture(t, clock, server, ledger)
	require.NoError(t, second.relay.Start(ctx))
	assert.Equal(t, messaging.StateSent, second.state(msg.ID))

	require.NoError(t, server.Acknowledge(msg.ID, "bob"))
	require.Eventually(t, func() bool { return second.state(msg.ID) == messaging.StateDelivered }, waitFor, tick)

	stored, ok, err := ledger.Get(msg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, messaging.StateDelivered, stored.State)
	assert.Len(t, server.Sent(), 1, "duplicate sends collapse on the server")
}

func TestSweeperExpiresMessages(t *testing.T) {
	f := newStartedFixture(t)
	f.server.SetAutoAck(false)

	msg, err := f.relay.SendWithExpiration(context.Background(), "c1", "alice", []byte("ephemeral"), relayEpoch.Add(10*time.Second))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.state(msg.ID) == messaging.StateSent }, waitFor, tick)

	f.clock.Advance(DefaultSweepInterval)
	require.Eventually(t, func() bool { return f.state(msg.ID) == messaging.StateExpired }, waitFor, tick)
	assert.Empty(t, slices.Collect(f.relay.Messages("c1")))
}

func TestSendAlreadyExpired(t *testing.T) {
	f := newStartedFixture(t)

	msg, err := f.relay.SendWithExpiration(context.Background(), "c1", "alice", []byte("too late"), relayEpoch.Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, messaging.StateExpired, msg.State)
	assert.Empty(t, f.server.Sent())
}
