package registry

import (
	"testing"
	"time"

	"psxnetplay/models"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// 発火したタイマーのコールバックをテスト側で実行するためのディスパッチャ
func newTestRegistry(t *testing.T) (*Registry, *clock.Mock, chan func()) {
	t.Helper()
	clk := clock.NewMock()
	fired := make(chan func(), 8)
	r := New(clk, func(fn func()) { fired <- fn }, zap.NewNop())
	return r, clk, fired
}

func waitFired(t *testing.T, fired chan func()) {
	t.Helper()
	select {
	case fn := <-fired:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
	}
}

func assertPorts(t *testing.T, room *models.Room) {
	t.Helper()
	seen := map[int]bool{}
	for _, p := range room.Players {
		if p.ControllerPort < 0 || p.ControllerPort >= room.MaxPlayers {
			t.Fatalf("port %d out of range [0,%d)", p.ControllerPort, room.MaxPlayers)
		}
		if seen[p.ControllerPort] {
			t.Fatalf("duplicate port %d", p.ControllerPort)
		}
		seen[p.ControllerPort] = true
	}
}

func TestCreateDefaults(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	room := r.Create("host", "game", "room", 0, false)
	if len(room.ID) != roomIDLength {
		t.Fatalf("room id %q has length %d", room.ID, len(room.ID))
	}
	if room.MaxPlayers != DefaultMaxPlayers {
		t.Fatalf("maxPlayers = %d, want %d", room.MaxPlayers, DefaultMaxPlayers)
	}
	if room.RoomCode != "" {
		t.Fatalf("public room must not have a code")
	}
	if room.Status != models.RoomWaiting {
		t.Fatalf("status = %s", room.Status)
	}

	private := r.Create("host", "game", "secret", 20, true)
	if private.MaxPlayers != models.MaxPlayersLimit {
		t.Fatalf("maxPlayers = %d, want %d", private.MaxPlayers, models.MaxPlayersLimit)
	}
	if len(private.RoomCode) != roomCodeLength {
		t.Fatalf("room code %q", private.RoomCode)
	}
	for _, ch := range private.RoomCode {
		if !(ch >= 'A' && ch <= 'Z') && !(ch >= '0' && ch <= '9') {
			t.Fatalf("room code %q contains %q", private.RoomCode, ch)
		}
	}
}

func TestDefaultMaxPlayersOption(t *testing.T) {
	r := New(clock.NewMock(), func(fn func()) { fn() }, zap.NewNop(), WithDefaultMaxPlayers(4))
	if room := r.Create("h", "g", "n", 0, false); room.MaxPlayers != 4 {
		t.Fatalf("maxPlayers = %d, want 4", room.MaxPlayers)
	}
}

func TestListFilters(t *testing.T) {
	r, clk, _ := newTestRegistry(t)
	a := r.Create("h1", "g1", "a", 2, false)
	clk.Add(time.Millisecond)
	b := r.Create("h2", "g1", "b", 2, false)
	r.Create("h3", "g2", "c", 2, false)
	r.SetStatus(b.ID, models.RoomPlaying)

	waiting := r.ListWaitingByGame("g1")
	if len(waiting) != 1 || waiting[0].ID != a.ID {
		t.Fatalf("waiting rooms = %+v", waiting)
	}
	if all := r.ListAllNonClosed(); len(all) != 3 {
		t.Fatalf("non-closed rooms = %d, want 3", len(all))
	}
	r.SetStatus(a.ID, models.RoomClosed)
	if all := r.ListAllNonClosed(); len(all) != 2 {
		t.Fatalf("non-closed rooms = %d, want 2", len(all))
	}
}

func TestAddPlayerIsIdempotent(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	room := r.Create("a", "g", "n", 4, false)

	if !r.AddPlayer(room.ID, "a", "A", 0) {
		t.Fatalf("first add failed")
	}
	if r.AddPlayer(room.ID, "a", "A", 1) {
		t.Fatalf("duplicate add must be a no-op")
	}
	if r.AddPlayer(room.ID, "b", "B", 0) {
		t.Fatalf("occupied port must be rejected")
	}
	if r.AddPlayer(room.ID, "b", "B", 4) || r.AddPlayer(room.ID, "b", "B", -1) {
		t.Fatalf("out of range port must be rejected")
	}
	if r.AddPlayer("missing", "b", "B", 1) {
		t.Fatalf("missing room must be rejected")
	}
	if len(room.Players) != 1 {
		t.Fatalf("players = %d, want 1", len(room.Players))
	}
}

func TestNextFreePortReusesLowest(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	room := r.Create("a", "g", "n", 4, false)
	for i, id := range []string{"a", "b", "c"} {
		port := r.NextFreePort(room.ID)
		if port != i {
			t.Fatalf("port for %s = %d, want %d", id, port, i)
		}
		r.AddPlayer(room.ID, id, id, port)
	}
	r.RemovePlayer(room.ID, "c")
	if port := r.NextFreePort(room.ID); port != 2 {
		t.Fatalf("next port = %d, want 2", port)
	}
	r.AddPlayer(room.ID, "d", "d", 2)
	r.AddPlayer(room.ID, "e", "e", r.NextFreePort(room.ID))
	if port := r.NextFreePort(room.ID); port != -1 {
		t.Fatalf("full room next port = %d, want -1", port)
	}
	assertPorts(t, room)
}

func TestHostTransferToEarliestJoiner(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	room := r.Create("a", "g", "n", 4, false)
	r.AddPlayer(room.ID, "a", "A", 0)
	r.AddPlayer(room.ID, "b", "B", 1)
	r.AddPlayer(room.ID, "c", "C", 2)

	r.RemovePlayer(room.ID, "a")
	if room.HostID != "b" {
		t.Fatalf("host = %s, want b", room.HostID)
	}
	r.RemovePlayer(room.ID, "c")
	if room.HostID != "b" {
		t.Fatalf("removing a non-host must not move host, got %s", room.HostID)
	}
}

func TestReserveRestoreWithinGrace(t *testing.T) {
	r, clk, _ := newTestRegistry(t)
	room := r.Create("a", "g", "n", 4, false)
	r.AddPlayer(room.ID, "a", "A", 0)
	r.AddPlayer(room.ID, "b", "B", 1)
	r.AddPlayer(room.ID, "c", "C", 2)
	r.SetReady(room.ID, "b", true)
	r.SetStatus(room.ID, models.RoomPlaying)

	expired := false
	if err := r.Reserve(room.ID, "b", DefaultReservationGrace, func() { expired = true }); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if room.FindPlayer("b") != nil || !r.IsReserved(room.ID, "b") {
		t.Fatalf("player must move from roster to reservation")
	}
	if r.ReservationCount(room.ID) != 1 || !r.HasOccupants(room.ID) {
		t.Fatalf("reservation not counted")
	}
	if r.AddPlayer(room.ID, "b", "B", 3) {
		t.Fatalf("reserved user must not be added twice")
	}

	clk.Add(59 * time.Second)
	p, err := r.Restore(room.ID, "b")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if p.ControllerPort != 1 || p.IsReady {
		t.Fatalf("restored player = %+v", p)
	}
	if r.IsReserved(room.ID, "b") || r.timers.Len() != 0 {
		t.Fatalf("reservation and timer must be gone")
	}
	clk.Add(5 * time.Second)
	if expired {
		t.Fatalf("cancelled timer fired")
	}
	assertPorts(t, room)
}

func TestReservationExpiryTransfersHost(t *testing.T) {
	r, clk, fired := newTestRegistry(t)
	room := r.Create("a", "g", "n", 2, false)
	r.AddPlayer(room.ID, "a", "A", 0)
	r.AddPlayer(room.ID, "b", "B", 1)
	r.SetStatus(room.ID, models.RoomPlaying)

	var dropped *models.Player
	r.Reserve(room.ID, "a", DefaultReservationGrace, func() {
		dropped, _ = r.ExpireReservation(room.ID, "a")
	})
	if room.HostID != "a" {
		t.Fatalf("host must stay during reservation, got %s", room.HostID)
	}

	clk.Add(61 * time.Second)
	waitFired(t, fired)

	if dropped == nil || dropped.UserID != "a" {
		t.Fatalf("expiry callback did not drop the player")
	}
	if room.HostID != "b" {
		t.Fatalf("host = %s, want b", room.HostID)
	}
	if _, err := r.Restore(room.ID, "a"); err != ErrNotReserved {
		t.Fatalf("restore after expiry = %v, want ErrNotReserved", err)
	}
}

func TestFlushExpiredRunsPendingExpiry(t *testing.T) {
	r, clk, _ := newTestRegistry(t)
	room := r.Create("a", "g", "n", 2, false)
	r.AddPlayer(room.ID, "a", "A", 0)
	r.AddPlayer(room.ID, "b", "B", 1)
	r.SetStatus(room.ID, models.RoomPlaying)

	calls := 0
	r.Reserve(room.ID, "b", DefaultReservationGrace, func() {
		calls++
		r.ExpireReservation(room.ID, "b")
	})
	r.FlushExpired(room.ID)
	if calls != 0 {
		t.Fatalf("flush before expiry must not fire")
	}

	clk.Add(61 * time.Second)
	r.FlushExpired(room.ID)
	if calls != 1 || r.IsReserved(room.ID, "b") {
		t.Fatalf("flush after expiry: calls=%d reserved=%v", calls, r.IsReserved(room.ID, "b"))
	}
}

func TestStaleTimerAfterDeleteIsIgnored(t *testing.T) {
	r, clk, fired := newTestRegistry(t)
	room := r.Create("a", "g", "n", 2, false)
	r.AddPlayer(room.ID, "a", "A", 0)
	r.AddPlayer(room.ID, "b", "B", 1)
	r.SetStatus(room.ID, models.RoomPlaying)

	ran := false
	r.Reserve(room.ID, "b", time.Second, func() { ran = true })

	// 発火済みでループ待ちのコールバックは、ルーム削除後に実行されても無視される
	clk.Add(2 * time.Second)
	fn := <-fired
	r.Delete(room.ID)
	fn()
	if ran {
		t.Fatalf("timer callback ran against a deleted room")
	}
	if r.Get(room.ID) != nil || r.IsReserved(room.ID, "b") {
		t.Fatalf("room state survived delete")
	}
}

func TestRestorePicksFreePortWhenOriginalTaken(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	room := r.Create("a", "g", "n", 3, false)
	r.AddPlayer(room.ID, "a", "A", 0)
	r.AddPlayer(room.ID, "b", "B", 1)
	r.SetStatus(room.ID, models.RoomPlaying)
	r.Reserve(room.ID, "b", time.Minute, func() {})
	// ポート1を別のプレイヤーが使っている状況を作る
	r.AddPlayer(room.ID, "c", "C", 1)

	p, err := r.Restore(room.ID, "b")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if p.ControllerPort != 2 {
		t.Fatalf("port = %d, want 2", p.ControllerPort)
	}
	assertPorts(t, room)
}

func TestEmulatorReadyBarrier(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	room := r.Create("a", "g", "n", 3, false)
	r.AddPlayer(room.ID, "a", "A", 0)
	r.AddPlayer(room.ID, "b", "B", 1)
	r.AddPlayer(room.ID, "c", "C", 2)

	if r.MarkEmulatorReady(room.ID, "a") {
		t.Fatalf("barrier must wait for all players")
	}
	if r.MarkEmulatorReady(room.ID, "x") {
		t.Fatalf("non-member must not count")
	}
	r.MarkEmulatorReady(room.ID, "b")
	// cが抜けると残り全員が揃う
	r.RemovePlayer(room.ID, "c")
	if !r.AllEmulatorReady(room.ID) {
		t.Fatalf("barrier must be evaluated against active players")
	}
	r.ClearEmulatorReady(room.ID)
	if r.AllEmulatorReady(room.ID) {
		t.Fatalf("cleared barrier must not be ready")
	}
}

func TestReconnectStateIsSingleBuffer(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	room := r.Create("a", "g", "n", 2, false)
	r.SetReconnectState(room.ID, "first")
	r.SetReconnectState(room.ID, "second")
	if s, ok := r.ReconnectState(room.ID); !ok || s != "second" {
		t.Fatalf("state = %q, %v", s, ok)
	}
	r.ClearReconnectState(room.ID)
	if _, ok := r.ReconnectState(room.ID); ok {
		t.Fatalf("state not cleared")
	}
	r.SetReconnectState("missing", "x")
	if _, ok := r.ReconnectState("missing"); ok {
		t.Fatalf("state stored for missing room")
	}
}

func TestCounts(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	a := r.Create("a", "g", "n", 2, false)
	r.AddPlayer(a.ID, "a", "A", 0)
	r.AddPlayer(a.ID, "b", "B", 1)
	r.SetStatus(a.ID, models.RoomPlaying)
	r.Reserve(a.ID, "b", time.Minute, func() {})
	b := r.Create("c", "g", "n", 2, false)
	r.AddPlayer(b.ID, "c", "C", 0)

	rooms, players, reserved := r.Counts()
	if rooms != 2 || players != 2 || reserved != 1 {
		t.Fatalf("counts = %d/%d/%d", rooms, players, reserved)
	}
}
