package relay_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/koopa0/system-design/14-fps-relay/internal/events"
	"github.com/koopa0/system-design/14-fps-relay/internal/protocol"
	"github.com/koopa0/system-design/14-fps-relay/internal/registry"
	"github.com/koopa0/system-design/14-fps-relay/internal/relay"
	"github.com/koopa0/system-design/14-fps-relay/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// arena 測試環境：註冊表 + 協調器 + 事件記錄
type arena struct {
	reg   *registry.Registry
	coord *relay.Coordinator
	sink  *testutils.EventRecorder
}

func newArena(t *testing.T, opts ...relay.Option) *arena {
	t.Helper()

	reg := registry.New(testutils.Logger(), registry.WithIDGenerator(testutils.SequentialIDs()))
	sink := testutils.NewEventRecorder(nil)

	opts = append([]relay.Option{relay.WithLogger(testutils.Logger()), relay.WithSink(sink)}, opts...)
	return &arena{
		reg:   reg,
		coord: relay.New(reg, opts...),
		sink:  sink,
	}
}

// connect 模擬一條新連線
func (a *arena) connect() (string, *testutils.RecordingChannel) {
	ch := testutils.NewRecordingChannel()
	return a.reg.Register(ch), ch
}

// join 連線並加入房間
func (a *arena) join(room string) (string, *testutils.RecordingChannel) {
	id, ch := a.connect()
	a.coord.Join(id, room)
	return id, ch
}

func counts(t *testing.T, ch *testutils.RecordingChannel) []int {
	t.Helper()
	return testutils.Filter[int](t, ch, protocol.EventPlayerCount)
}

func TestJoin_EmptyRoom(t *testing.T) {
	a := newArena(t)
	id, ch := a.connect()

	a.coord.Join(id, "arena")

	assert.Equal(t, []string{protocol.EventPlayerCount}, ch.Events(t))
	assert.Equal(t, []int{1}, counts(t, ch))

	count, ok := a.coord.RoomCount("arena")
	assert.True(t, ok)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{events.RoomCreated, events.PlayerJoined}, a.sink.Types())
}

// TestJoin_ReplaysOnlyReportedState 加入者收到每位已回報狀態的成員各一筆，尚未回報者不重播
func TestJoin_ReplaysOnlyReportedState(t *testing.T) {
	a := newArena(t)

	idA, _ := a.join("arena")
	a.coord.UpdateState(idA, protocol.PlayerState{X: 1, Y: 2, Z: 3, HP: 100, Alive: true, Anim: protocol.AnimIdle})
	a.join("arena") // 尚未回報狀態

	_, chC := a.join("arena")

	replays := testutils.Filter[protocol.RemoteState](t, chC, protocol.EventPlayerUpdate)
	require.Len(t, replays, 1)
	assert.Equal(t, idA, replays[0].ID)
	assert.Equal(t, 1.0, replays[0].X)
	assert.Equal(t, 100, replays[0].HP)

	assert.Equal(t, []int{3}, counts(t, chC))

	// 回放在人數之前
	assert.Equal(t, []string{protocol.EventPlayerUpdate, protocol.EventPlayerCount}, chC.Events(t))
}

func TestJoin_BroadcastsCountToEveryone(t *testing.T) {
	a := newArena(t)

	_, chA := a.join("arena")
	_, chB := a.join("arena")
	_, chC := a.join("arena")

	assert.Equal(t, []int{1, 2, 3}, counts(t, chA))
	assert.Equal(t, []int{2, 3}, counts(t, chB))
	assert.Equal(t, []int{3}, counts(t, chC))
}

func TestJoin_InvalidRoomNameIgnored(t *testing.T) {
	a := newArena(t, relay.WithMaxRoomName(8))
	id, ch := a.connect()

	tests := []struct {
		name string
		room string
	}{
		{name: "empty", room: ""},
		{name: "too long", room: strings.Repeat("x", 9)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a.coord.Join(id, tt.room)

			_, inRoom := a.coord.RoomOf(id)
			assert.False(t, inRoom)
			assert.Equal(t, 0, ch.Len())
		})
	}

	a.coord.Join(id, strings.Repeat("x", 8))
	room, ok := a.coord.RoomOf(id)
	assert.True(t, ok)
	assert.Equal(t, strings.Repeat("x", 8), room)
}

// TestJoin_LongRoomNameAcceptedByDefault 未設定上限時名稱長度不受限
func TestJoin_LongRoomNameAcceptedByDefault(t *testing.T) {
	a := newArena(t)
	long := strings.Repeat("r", 65)

	idA, chA := a.join("arena")
	a.coord.Join(idA, long)

	room, ok := a.coord.RoomOf(idA)
	require.True(t, ok)
	assert.Equal(t, long, room)

	count, exists := a.coord.RoomCount(long)
	assert.True(t, exists)
	assert.Equal(t, 1, count)
	assert.Equal(t, []int{1, 1}, counts(t, chA))

	_, stillThere := a.coord.RoomCount("arena")
	assert.False(t, stillThere)
}

func TestJoin_UnknownConnectionIgnored(t *testing.T) {
	a := newArena(t)
	_, chA := a.join("arena")

	a.coord.Join("ghost", "arena")

	count, _ := a.coord.RoomCount("arena")
	assert.Equal(t, 1, count)
	assert.Equal(t, []int{1}, counts(t, chA))
}

// TestJoin_SameRoomIsIdempotent 重複加入同一房間不改變成員或已存狀態
func TestJoin_SameRoomIsIdempotent(t *testing.T) {
	a := newArena(t)

	idA, chA := a.join("arena")
	idB, chB := a.join("arena")
	a.coord.UpdateState(idA, protocol.PlayerState{X: 5, HP: 80, Alive: true})
	chA.Reset()
	chB.Reset()
	a.sink.Reset()

	a.coord.Join(idB, "arena")

	count, _ := a.coord.RoomCount("arena")
	assert.Equal(t, 2, count)

	state, ok := a.coord.State(idA)
	require.True(t, ok)
	assert.Equal(t, 80, state.HP)

	replays := testutils.Filter[protocol.RemoteState](t, chB, protocol.EventPlayerUpdate)
	require.Len(t, replays, 1)
	assert.Equal(t, idA, replays[0].ID)
	assert.Equal(t, []int{2}, counts(t, chB))
	assert.Equal(t, []string{protocol.EventPlayerCount}, chA.Events(t))

	assert.Empty(t, a.sink.Types())
}

// TestJoin_SwitchRoomLeavesPrevious 切換房間時舊房間收到離開通知
func TestJoin_SwitchRoomLeavesPrevious(t *testing.T) {
	a := newArena(t)

	idA, chA := a.join("red")
	_, chB := a.join("red")
	chA.Reset()
	chB.Reset()

	a.coord.Join(idA, "blue")

	assert.Equal(t, []string{protocol.EventPlayerLeft, protocol.EventPlayerCount}, chB.Events(t))
	assert.Equal(t, []string{idA}, testutils.Filter[string](t, chB, protocol.EventPlayerLeft))
	assert.Equal(t, []int{1}, counts(t, chB))

	assert.Equal(t, []int{1}, counts(t, chA))

	room, _ := a.coord.RoomOf(idA)
	assert.Equal(t, "blue", room)
	red, _ := a.coord.RoomCount("red")
	assert.Equal(t, 1, red)
}

func TestJoin_SwitchFromSoloRoomDestroysIt(t *testing.T) {
	a := newArena(t)

	idA, _ := a.join("red")
	a.sink.Reset()

	a.coord.Join(idA, "blue")

	_, exists := a.coord.RoomCount("red")
	assert.False(t, exists)
	assert.Equal(t, []string{
		events.PlayerLeft, events.RoomDestroyed, events.RoomCreated, events.PlayerJoined,
	}, a.sink.Types())
}

func TestLeave(t *testing.T) {
	a := newArena(t)

	_, chA := a.join("arena")
	idB, chB := a.join("arena")
	chA.Reset()
	chB.Reset()

	a.coord.Leave(idB)

	assert.Equal(t, []string{protocol.EventPlayerLeft, protocol.EventPlayerCount}, chA.Events(t))
	assert.Equal(t, []string{idB}, testutils.Filter[string](t, chA, protocol.EventPlayerLeft))
	assert.Equal(t, []int{1}, counts(t, chA))

	// 離開者本人不收通知
	assert.Equal(t, 0, chB.Len())

	// 冪等
	a.coord.Leave(idB)
	a.coord.Leave("never-joined")
	assert.Equal(t, 2, chA.Len())
}

func TestLeave_LastMemberDestroysRoom(t *testing.T) {
	a := newArena(t)
	id, _ := a.join("arena")

	a.coord.Leave(id)

	_, exists := a.coord.RoomCount("arena")
	assert.False(t, exists)
	assert.Equal(t, 0, a.coord.Stats().Rooms)
	assert.Equal(t, []string{
		events.RoomCreated, events.PlayerJoined, events.PlayerLeft, events.RoomDestroyed,
	}, a.sink.Types())

	// 重新加入時從空房間開始，沒有殘留狀態
	_, ch := a.join("arena")
	assert.Equal(t, []string{protocol.EventPlayerCount}, ch.Events(t))
}

func TestUpdateState(t *testing.T) {
	a := newArena(t)

	idA, chA := a.join("arena")
	_, chB := a.join("arena")
	_, chOther := a.join("elsewhere")
	chA.Reset()
	chB.Reset()
	chOther.Reset()

	state := protocol.PlayerState{X: 1, Y: 2, Z: 3, Yaw: 0.5, Anim: protocol.AnimRun, HP: 100, Alive: true}
	a.coord.UpdateState(idA, state)

	// 不回送給發送者
	assert.Equal(t, 0, chA.Len())
	// 不跨房間
	assert.Equal(t, 0, chOther.Len())

	got := testutils.Filter[protocol.RemoteState](t, chB, protocol.EventPlayerUpdate)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.RemoteState{ID: idA, PlayerState: state}, got[0])

	// 整筆取代
	a.coord.UpdateState(idA, protocol.PlayerState{HP: 40})
	stored, ok := a.coord.State(idA)
	require.True(t, ok)
	assert.Equal(t, protocol.PlayerState{HP: 40}, stored)
}

func TestUpdateState_BeforeJoinIgnored(t *testing.T) {
	a := newArena(t)

	_, chA := a.join("arena")
	chA.Reset()
	idB, _ := a.connect()

	a.coord.UpdateState(idB, protocol.PlayerState{X: 9})

	assert.Equal(t, 0, chA.Len())
	_, ok := a.coord.State(idB)
	assert.False(t, ok)

	// 之後加入也不會出現先前的狀態
	_, chC := a.join("arena")
	a.coord.Join(idB, "arena")
	assert.Empty(t, testutils.Filter[protocol.RemoteState](t, chC, protocol.EventPlayerUpdate))
}

// TestHandleShoot_ArenaScenario A 射擊 B：B 收到射擊與傷害，C 只收到射擊，A 什麼都不收
func TestHandleShoot_ArenaScenario(t *testing.T) {
	a := newArena(t)

	idA, chA := a.join("arena")
	idB, chB := a.join("arena")
	_, chC := a.join("arena")
	chA.Reset()
	chB.Reset()
	chC.Reset()

	a.coord.HandleShoot(idA, protocol.ShootEvent{
		Hit: true, Type: protocol.HitPlayer, TargetID: idB, Damage: 25, Zone: "head",
		Point: &protocol.Vec3{X: 1, Y: 1.6, Z: 2},
	})

	assert.Equal(t, 0, chA.Len())

	assert.Equal(t, []string{protocol.EventPlayerShot, protocol.EventPlayerDamage}, chB.Events(t))
	damage := testutils.Filter[protocol.Damage](t, chB, protocol.EventPlayerDamage)
	require.Len(t, damage, 1)
	assert.Equal(t, protocol.Damage{Damage: 25, AttackerID: idA}, damage[0])

	assert.Equal(t, []string{protocol.EventPlayerShot}, chC.Events(t))
	shots := testutils.Filter[protocol.Shot](t, chC, protocol.EventPlayerShot)
	require.Len(t, shots, 1)
	assert.Equal(t, idA, shots[0].ShooterID)
	assert.Equal(t, idB, shots[0].TargetID)
	assert.Equal(t, "head", shots[0].Zone)

	evs := a.sink.Events()
	last := evs[len(evs)-1]
	assert.Equal(t, events.PlayerDamaged, last.Type)
	assert.Equal(t, idB, last.PlayerID)
	assert.Equal(t, idA, last.Peer)
	assert.Equal(t, 25, last.Damage)
}

func TestHandleShoot_DefaultDamage(t *testing.T) {
	tests := []struct {
		name   string
		opts   []relay.Option
		damage int
		want   int
	}{
		{name: "omitted uses default", damage: 0, want: relay.DefaultDamage},
		{name: "declared damage kept", damage: 70, want: 70},
		{name: "configured default", opts: []relay.Option{relay.WithDefaultDamage(40)}, damage: 0, want: 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newArena(t, tt.opts...)
			idA, _ := a.join("arena")
			idB, chB := a.join("arena")

			a.coord.HandleShoot(idA, protocol.ShootEvent{Hit: true, Type: protocol.HitPlayer, TargetID: idB, Damage: tt.damage})

			got := testutils.Filter[protocol.Damage](t, chB, protocol.EventPlayerDamage)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Damage)
		})
	}
}

func TestHandleShoot_WallHitBroadcastOnly(t *testing.T) {
	a := newArena(t)

	idA, _ := a.join("arena")
	_, chB := a.join("arena")
	chB.Reset()

	a.coord.HandleShoot(idA, protocol.ShootEvent{Hit: true, Type: protocol.HitWall, Point: &protocol.Vec3{X: 3}})

	assert.Equal(t, []string{protocol.EventPlayerShot}, chB.Events(t))
}

// TestHandleShoot_StaleTarget 目標已斷線：傷害丟棄，射擊照常轉發
func TestHandleShoot_StaleTarget(t *testing.T) {
	a := newArena(t)

	idA, _ := a.join("arena")
	idB, chB := a.join("arena")
	_, chC := a.join("arena")
	a.coord.Disconnect(idB)
	chC.Reset()
	bFrames := chB.Len()

	assert.NotPanics(t, func() {
		a.coord.HandleShoot(idA, protocol.ShootEvent{Hit: true, Type: protocol.HitPlayer, TargetID: idB, Damage: 25})
	})

	assert.Equal(t, []string{protocol.EventPlayerShot}, chC.Events(t))
	assert.Equal(t, bFrames, chB.Len())
}

func TestHandleShoot_TargetNotInAnyRoom(t *testing.T) {
	a := newArena(t)

	idA, _ := a.join("arena")
	idLobby, chLobby := a.connect()

	a.coord.HandleShoot(idA, protocol.ShootEvent{Hit: true, TargetID: idLobby, Damage: 10})

	assert.Equal(t, 0, chLobby.Len())
}

// TestHandleShoot_TargetInOtherRoom 不驗證目標是否同房間
func TestHandleShoot_TargetInOtherRoom(t *testing.T) {
	a := newArena(t)

	idA, _ := a.join("red")
	idB, chB := a.join("blue")
	chB.Reset()

	a.coord.HandleShoot(idA, protocol.ShootEvent{Hit: true, TargetID: idB, Damage: 10})

	assert.Equal(t, []string{protocol.EventPlayerDamage}, chB.Events(t))
}

func TestHandleShoot_ShooterNotInRoomIgnored(t *testing.T) {
	a := newArena(t)

	idB, chB := a.join("arena")
	chB.Reset()
	idA, _ := a.connect()

	a.coord.HandleShoot(idA, protocol.ShootEvent{Hit: true, TargetID: idB, Damage: 99})

	assert.Equal(t, 0, chB.Len())
}

func TestDisconnect(t *testing.T) {
	a := newArena(t)

	_, chA := a.join("arena")
	idB, chB := a.join("arena")
	chA.Reset()

	a.coord.Disconnect(idB)

	assert.True(t, chB.Closed())
	assert.False(t, a.reg.Has(idB))
	_, inRoom := a.coord.RoomOf(idB)
	assert.False(t, inRoom)
	assert.Equal(t, []string{protocol.EventPlayerLeft, protocol.EventPlayerCount}, chA.Events(t))

	// 未加入房間的連線斷線也必須從註冊表移除
	idC, chC := a.connect()
	a.coord.Disconnect(idC)
	assert.True(t, chC.Closed())
	assert.False(t, a.reg.Has(idC))
}

func TestSinkFailureDoesNotAffectState(t *testing.T) {
	reg := registry.New(testutils.Logger())
	sink := testutils.NewEventRecorder(errors.New("nats down"))
	coord := relay.New(reg, relay.WithLogger(testutils.Logger()), relay.WithSink(sink))

	id := reg.Register(testutils.NewRecordingChannel())
	coord.Join(id, "arena")

	count, ok := coord.RoomCount("arena")
	assert.True(t, ok)
	assert.Equal(t, 1, count)
	assert.NotEmpty(t, sink.Types())
}

func TestStats(t *testing.T) {
	a := newArena(t)

	a.join("zulu")
	a.join("alpha")
	a.join("alpha")
	a.connect() // 未加入房間

	stats := a.coord.Stats()
	assert.Equal(t, 2, stats.Rooms)
	assert.Equal(t, 3, stats.Players)
	assert.Equal(t, []relay.RoomStats{
		{Name: "alpha", Players: 2},
		{Name: "zulu", Players: 1},
	}, stats.List)
}
