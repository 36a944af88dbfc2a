package registry

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Dispatcher はタイマーのコールバックをイベントループ上で実行させる関数
type Dispatcher func(fn func())

type timerKey struct {
	roomID string
	userID string
}

type timerEntry struct {
	timer *clock.Timer
	fn    func()
}

// Timers は (roomID, userID) ごとのキャンセル可能な一回限りのタイマー。
// マップはイベントループからしか触らない。発火したタイマーはDispatcher経由で
// ループに戻り、自分のエントリがまだ有効な場合だけコールバックを実行する
type Timers struct {
	clock    clock.Clock
	dispatch Dispatcher
	entries  map[timerKey]*timerEntry
}

func NewTimers(clk clock.Clock, dispatch Dispatcher) *Timers {
	return &Timers{
		clock:    clk,
		dispatch: dispatch,
		entries:  make(map[timerKey]*timerEntry),
	}
}

// Schedule はd経過後にfnを実行するタイマーを登録する。同じキーの既存タイマーは置き換える
func (t *Timers) Schedule(roomID, userID string, d time.Duration, fn func()) {
	key := timerKey{roomID, userID}
	t.Cancel(roomID, userID)

	entry := &timerEntry{fn: fn}
	entry.timer = t.clock.AfterFunc(d, func() {
		t.dispatch(func() {
			// キャンセル済み、または新しいタイマーに置き換わっていれば何もしない
			if t.entries[key] != entry {
				return
			}
			delete(t.entries, key)
			entry.fn()
		})
	})
	t.entries[key] = entry
}

// Cancel はタイマーを止める。保留中のタイマーがあればtrue
func (t *Timers) Cancel(roomID, userID string) bool {
	key := timerKey{roomID, userID}
	entry, ok := t.entries[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.entries, key)
	return true
}

// CancelRoom はルームに紐づく全タイマーを止める
func (t *Timers) CancelRoom(roomID string) int {
	n := 0
	for key, entry := range t.entries {
		if key.roomID != roomID {
			continue
		}
		entry.timer.Stop()
		delete(t.entries, key)
		n++
	}
	return n
}

// Fire は保留中のタイマーを今すぐ同期的に実行する
func (t *Timers) Fire(roomID, userID string) bool {
	key := timerKey{roomID, userID}
	entry, ok := t.entries[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.entries, key)
	entry.fn()
	return true
}

func (t *Timers) Pending(roomID, userID string) bool {
	_, ok := t.entries[timerKey{roomID, userID}]
	return ok
}

func (t *Timers) Len() int {
	return len(t.entries)
}
