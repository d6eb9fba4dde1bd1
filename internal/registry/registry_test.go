package registry_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/koopa0/system-design/14-fps-relay/internal/registry"
	"github.com/koopa0/system-design/14-fps-relay/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_UniqueIdentities(t *testing.T) {
	reg := registry.New(testutils.Logger())

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := reg.Register(testutils.NewRecordingChannel())
		require.NotEmpty(t, id)
		require.False(t, seen[id], "duplicate identity %s", id)
		seen[id] = true
	}
	assert.Equal(t, 100, reg.Len())
}

// TestRegister_RetriesOnCollision 產生器回傳重複值時必須重試
func TestRegister_RetriesOnCollision(t *testing.T) {
	ids := []string{"a", "a", "a", "b"}
	i := 0
	gen := func() string {
		id := ids[i]
		i++
		return id
	}

	reg := registry.New(testutils.Logger(), registry.WithIDGenerator(gen))
	assert.Equal(t, "a", reg.Register(testutils.NewRecordingChannel()))
	assert.Equal(t, "b", reg.Register(testutils.NewRecordingChannel()))
}

func TestUnicast(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(reg *registry.Registry) (string, *testutils.RecordingChannel)
		wantSent bool
		wantLen  int
	}{
		{
			name: "registered identity receives frame",
			setup: func(reg *registry.Registry) (string, *testutils.RecordingChannel) {
				ch := testutils.NewRecordingChannel()
				return reg.Register(ch), ch
			},
			wantSent: true,
			wantLen:  1,
		},
		{
			name: "unknown identity is a no-op",
			setup: func(reg *registry.Registry) (string, *testutils.RecordingChannel) {
				return "ghost", testutils.NewRecordingChannel()
			},
			wantSent: false,
			wantLen:  0,
		},
		{
			name: "full buffer drops frame",
			setup: func(reg *registry.Registry) (string, *testutils.RecordingChannel) {
				ch := testutils.NewBoundedChannel(1)
				id := reg.Register(ch)
				ch.Send([]byte(`{"event":"filler"}`))
				return id, ch
			},
			wantSent: false,
			wantLen:  1,
		},
		{
			name: "unregistered identity is a no-op",
			setup: func(reg *registry.Registry) (string, *testutils.RecordingChannel) {
				ch := testutils.NewRecordingChannel()
				id := reg.Register(ch)
				reg.Unregister(id)
				return id, ch
			},
			wantSent: false,
			wantLen:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := registry.New(testutils.Logger())
			id, ch := tt.setup(reg)

			sent := reg.Unicast(id, []byte(`{"event":"player-left","data":"x"}`))

			assert.Equal(t, tt.wantSent, sent)
			assert.Equal(t, tt.wantLen, ch.Len())
		})
	}
}

func TestUnregister_ClosesAndIsIdempotent(t *testing.T) {
	reg := registry.New(testutils.Logger())
	ch := testutils.NewRecordingChannel()
	id := reg.Register(ch)

	reg.Unregister(id)
	assert.True(t, ch.Closed())
	assert.False(t, reg.Has(id))
	assert.Equal(t, 0, reg.Len())

	assert.NotPanics(t, func() { reg.Unregister(id) })
	assert.NotPanics(t, func() { reg.Unregister("never-registered") })
}

func TestCloseAll(t *testing.T) {
	reg := registry.New(testutils.Logger())
	chans := make([]*testutils.RecordingChannel, 5)
	for i := range chans {
		chans[i] = testutils.NewRecordingChannel()
		reg.Register(chans[i])
	}

	reg.CloseAll()

	assert.Equal(t, 0, reg.Len())
	for i, ch := range chans {
		assert.True(t, ch.Closed(), "channel %d not closed", i)
	}
}

// TestConcurrentUnicastAndUnregister 同時投遞與移除不得 panic 或在關閉後寫入
func TestConcurrentUnicastAndUnregister(t *testing.T) {
	reg := registry.New(testutils.Logger())

	const n = 50
	ids := make([]string, n)
	for i := range ids {
		ids[i] = reg.Register(testutils.NewRecordingChannel())
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				reg.Unicast(id, []byte(fmt.Sprintf(`{"event":"tick","data":%d}`, j)))
			}
		}(ids[i])
		go func(id string) {
			defer wg.Done()
			reg.Unregister(id)
		}(ids[i])
	}
	wg.Wait()

	assert.Equal(t, 0, reg.Len())
}
