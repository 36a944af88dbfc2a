package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// データチャネル上の全メッセージは先頭1バイトのタグで種別を区別する
const (
	TagPayload byte = 0x01
	TagPing    byte = 0xFF
	TagPong    byte = 0xFE
)

// ping/pongは タグ + float64(ミリ秒) の9バイト
const heartbeatSize = 9

var ErrEmptyPacket = errors.New("empty packet")

// WrapPayload はアプリケーションデータにタグを付ける
func WrapPayload(data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, TagPayload)
	return append(out, data...)
}

// EncodeHeartbeat はping/pongパケットを作る
func EncodeHeartbeat(tag byte, millis float64) []byte {
	buf := make([]byte, heartbeatSize)
	buf[0] = tag
	binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(millis))
	return buf
}

// DecodeHeartbeat はping/pongパケットのタイムスタンプを取り出す
func DecodeHeartbeat(buf []byte) (float64, error) {
	if len(buf) != heartbeatSize {
		return 0, fmt.Errorf("heartbeat must be %d bytes, got %d", heartbeatSize, len(buf))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[1:])), nil
}

// SplitPacket はタグと本体を分離する
func SplitPacket(buf []byte) (byte, []byte, error) {
	if len(buf) == 0 {
		return 0, nil, ErrEmptyPacket
	}
	return buf[0], buf[1:], nil
}
