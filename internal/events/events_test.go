package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-fps-relay/internal/events"
	"github.com/koopa0/system-design/14-fps-relay/internal/testutils"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopSink(t *testing.T) {
	var sink events.Sink = events.NopSink{}
	assert.NoError(t, sink.Publish(context.Background(), events.Event{Type: events.RoomCreated}))
}

func TestNATSSink_PublishesToPrefixedSubject(t *testing.T) {
	testutils.SkipIfShort(t)

	url := testutils.StartNATS(t)

	sink, err := events.ConnectNATS(url, "fps.relay", testutils.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	sub, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	msgs := make(chan *nats.Msg, 4)
	_, err = sub.ChanSubscribe("fps.relay.>", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err = sink.Publish(context.Background(), events.Event{
		Type:     events.PlayerDamaged,
		Room:     "arena",
		PlayerID: "b",
		Peer:     "a",
		Count:    2,
		Damage:   25,
		At:       at,
	})
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		assert.Equal(t, "fps.relay.player.damaged", msg.Subject)

		var got events.Event
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, "arena", got.Room)
		assert.Equal(t, "a", got.Peer)
		assert.Equal(t, 25, got.Damage)
		assert.True(t, at.Equal(got.At))
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

func TestNATSSink_CancelledContext(t *testing.T) {
	testutils.SkipIfShort(t)

	sink, err := events.ConnectNATS(testutils.StartNATS(t), "", testutils.Logger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	assert.Equal(t, "room.created", sink.Subject(events.RoomCreated))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Publish(ctx, events.Event{Type: events.RoomCreated}), context.Canceled)
}
