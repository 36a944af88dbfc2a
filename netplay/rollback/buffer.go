package rollback

import "psxnetplay/netplay/protocol"

// DefaultBufferSize はリングバッファが保持するフレーム数
const DefaultBufferSize = 256

type slot struct {
	frame uint32
	input protocol.Input
	set   bool
}

// InputBuffer はフレーム番号をキーにした入力履歴のリングバッファ。
// スロットごとにフレーム番号を持つので、上書きされた古いフレームはnilになる
type InputBuffer struct {
	slots  []slot
	latest uint32
	any    bool
}

func NewInputBuffer(size int) *InputBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &InputBuffer{slots: make([]slot, size)}
}

// Set はフレームの入力を記録し、最新フレームを更新する。
// 同じスロットにより新しいフレームが入っていれば遅着の入力は捨てる
func (b *InputBuffer) Set(frame uint32, in protocol.Input) {
	i := int(frame % uint32(len(b.slots)))
	if cur := b.slots[i]; cur.set && cur.frame > frame {
		return
	}
	b.slots[i] = slot{frame: frame, input: in, set: true}
	if !b.any || frame > b.latest {
		b.latest = frame
		b.any = true
	}
}

// Get は記録済みの入力を返す。未記録、最新より先、または上書き済みならnil
func (b *InputBuffer) Get(frame uint32) *protocol.Input {
	if !b.any || frame > b.latest {
		return nil
	}
	s := b.slots[int(frame%uint32(len(b.slots)))]
	if !s.set || s.frame != frame {
		return nil
	}
	in := s.input
	return &in
}

// Latest は記録済みの最大フレーム番号。まだ何もなければok=false
func (b *InputBuffer) Latest() (frame uint32, ok bool) {
	return b.latest, b.any
}
