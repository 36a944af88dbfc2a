package protocol

import (
	"encoding/binary"
	"fmt"
)

// InputSize は1フレーム分の入力パケットのバイト数
// [frame:u32][buttons:u16][axisX:i8][axisY:i8] リトルエンディアン
const InputSize = 8

// Input は1フレーム分のコントローラ入力
type Input struct {
	Buttons uint16
	AxisX   int8
	AxisY   int8
}

// Neutral は何も押していない入力
var Neutral = Input{}

// PS1 コントローラのボタンのビット位置
const (
	ButtonUp = iota
	ButtonDown
	ButtonLeft
	ButtonRight
	ButtonCross
	ButtonCircle
	ButtonSquare
	ButtonTriangle
	ButtonL1
	ButtonR1
	ButtonL2
	ButtonR2
	ButtonStart
	ButtonSelect
)

// Pressed はボタンが押されているかを返す
func (in Input) Pressed(button int) bool {
	return in.Buttons&(1<<uint(button)) != 0
}

// WithButton はボタンを押した状態のコピーを返す
func (in Input) WithButton(button int) Input {
	in.Buttons |= 1 << uint(button)
	return in
}

// EncodeInput はフレーム番号と入力を8バイトに直列化する
func EncodeInput(frame uint32, in Input) []byte {
	buf := make([]byte, InputSize)
	binary.LittleEndian.PutUint32(buf[0:4], frame)
	binary.LittleEndian.PutUint16(buf[4:6], in.Buttons)
	buf[6] = byte(in.AxisX)
	buf[7] = byte(in.AxisY)
	return buf
}

// DecodeInput はEncodeInputの逆変換。長さが8バイトでなければエラー
func DecodeInput(buf []byte) (uint32, Input, error) {
	if len(buf) != InputSize {
		return 0, Neutral, fmt.Errorf("input packet must be %d bytes, got %d", InputSize, len(buf))
	}
	frame := binary.LittleEndian.Uint32(buf[0:4])
	in := Input{
		Buttons: binary.LittleEndian.Uint16(buf[4:6]),
		AxisX:   int8(buf[6]),
		AxisY:   int8(buf[7]),
	}
	return frame, in, nil
}
