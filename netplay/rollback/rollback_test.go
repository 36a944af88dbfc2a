package rollback

import (
	"testing"

	"psxnetplay/netplay/protocol"
)

func TestInputBufferGet(t *testing.T) {
	buf := NewInputBuffer(4)
	if buf.Get(0) != nil {
		t.Fatalf("empty buffer must return nil")
	}
	buf.Set(1, protocol.Input{Buttons: 1})
	buf.Set(3, protocol.Input{Buttons: 3})

	if buf.Get(2) != nil {
		t.Fatalf("never-set frame must return nil")
	}
	if buf.Get(4) != nil {
		t.Fatalf("frame beyond watermark must return nil")
	}
	if in := buf.Get(3); in == nil || in.Buttons != 3 {
		t.Fatalf("frame 3 = %+v", in)
	}

	// frame 5 は frame 1 のスロットを上書きする
	buf.Set(5, protocol.Input{Buttons: 5})
	if buf.Get(1) != nil {
		t.Fatalf("evicted frame must return nil")
	}
	if latest, ok := buf.Latest(); !ok || latest != 5 {
		t.Fatalf("latest = %d, %v", latest, ok)
	}
}

func TestInputBufferOutOfOrder(t *testing.T) {
	buf := NewInputBuffer(DefaultBufferSize)
	buf.Set(10, protocol.Input{Buttons: 10})
	buf.Set(8, protocol.Input{Buttons: 8})
	if latest, _ := buf.Latest(); latest != 10 {
		t.Fatalf("latest = %d, want 10", latest)
	}
	if in := buf.Get(8); in == nil || in.Buttons != 8 {
		t.Fatalf("frame 8 = %+v", in)
	}
}

func TestInputBufferIgnoresStaleSlotWrite(t *testing.T) {
	buf := NewInputBuffer(4)
	buf.Set(9, protocol.Input{Buttons: 9})
	buf.Set(5, protocol.Input{Buttons: 5}) // 9と同じスロット
	if in := buf.Get(9); in == nil || in.Buttons != 9 {
		t.Fatalf("frame 9 = %+v, want buttons 9", in)
	}
	if in := buf.Get(5); in != nil {
		t.Fatalf("stale frame 5 must not be stored, got %+v", in)
	}
}

func TestRemoteInputKeepsLatestAfterLateFrame(t *testing.T) {
	e := NewEngine()
	e.AddRemoteInput("p2", 300, protocol.Input{Buttons: 0x20})
	e.AddRemoteInput("p2", 300-DefaultBufferSize, protocol.Input{Buttons: 0x01})
	if in := e.RemoteInput("p2", 301); in.Buttons != 0x20 {
		t.Fatalf("predicted input = %+v, want buttons 0x20", in)
	}
}

func TestRemoteInputPrediction(t *testing.T) {
	e := NewEngine()
	if in := e.RemoteInput("p2", 1); in != protocol.Neutral {
		t.Fatalf("unknown peer must be neutral, got %+v", in)
	}
	e.AddRemoteInput("p2", 5, protocol.Input{Buttons: 0x10})
	if in := e.RemoteInput("p2", 5); in.Buttons != 0x10 {
		t.Fatalf("exact input = %+v", in)
	}
	// 未着のフレームは最後の入力で予測する
	if in := e.RemoteInput("p2", 9); in.Buttons != 0x10 {
		t.Fatalf("predicted input = %+v", in)
	}
	if in := e.LocalInput(3); in != protocol.Neutral {
		t.Fatalf("missing local input must be neutral, got %+v", in)
	}
}

func TestFrameAdvantage(t *testing.T) {
	e := NewEngine()
	for f := uint32(1); f <= 20; f++ {
		e.AddLocalInput(f, protocol.Neutral)
	}
	if adv := e.FrameAdvantage(); adv != 0 {
		t.Fatalf("advantage without peers = %d, want 0", adv)
	}
	e.AddRemoteInput("a", 15, protocol.Neutral)
	e.AddRemoteInput("b", 12, protocol.Neutral)
	if e.RemoteFrame() != 12 {
		t.Fatalf("remote frame = %d, want 12", e.RemoteFrame())
	}
	if adv := e.FrameAdvantage(); adv != 8 {
		t.Fatalf("advantage = %d, want 8", adv)
	}
	if !e.ShouldRollback() {
		t.Fatalf("expected rollback signal with advantage 8 and delay 2")
	}
	e.RemovePeer("b")
	if e.RemoteFrame() != 15 {
		t.Fatalf("remote frame after removal = %d, want 15", e.RemoteFrame())
	}
}

func TestDelayClampAndReset(t *testing.T) {
	e := NewEngine()
	if e.Delay() != DefaultInputDelay {
		t.Fatalf("default delay = %d", e.Delay())
	}
	e.SetDelay(-3)
	if e.Delay() != 0 {
		t.Fatalf("delay = %d, want 0", e.Delay())
	}
	e.SetDelay(42)
	if e.Delay() != MaxInputDelay {
		t.Fatalf("delay = %d, want %d", e.Delay(), MaxInputDelay)
	}

	e.AddLocalInput(3, protocol.Input{Buttons: 1})
	e.AddRemoteInput("p", 2, protocol.Input{Buttons: 2})
	e.Reset()
	if e.LocalFrame() != 0 || e.RemoteFrame() != 0 {
		t.Fatalf("frames not reset")
	}
	if e.RemoteInput("p", 2) != protocol.Neutral {
		t.Fatalf("remote history not cleared")
	}
	if e.Delay() != MaxInputDelay {
		t.Fatalf("reset must keep delay")
	}
}
