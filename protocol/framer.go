package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxPayloadSize 单条消息载荷上限（字节）
const MaxPayloadSize = 1024

// ErrFrameTooLarge 长度前缀超过上限，说明对端不守协议，应当断开
var ErrFrameTooLarge = errors.New("protocol: frame exceeds max payload size")

// Framer 把任意切分的 TCP 字节流重组为完整消息，每连接一个实例
//
// 线上格式：[2 字节大端长度][载荷]；长度为 0 表示 keepalive。
// 读到的字节先进内部缓冲，凑满一帧才通过 OnMessage 吐出去，
// 半帧（有长度没正文）什么都不发，等后续字节
type Framer struct {
	// OnMessage 每凑满一帧调用一次；keepalive 以 nil 载荷回调
	OnMessage func(payload []byte)

	buf []byte
}

// NewFramer 创建帧重组器
func NewFramer(onMessage func(payload []byte)) *Framer {
	return &Framer{OnMessage: onMessage}
}

// Feed 追加新读到的字节，并吐出其中所有完整帧。
// 一次 Feed 可能回调零次、一次或多次
func (f *Framer) Feed(data []byte) error {
	f.buf = append(f.buf, data...)
	for {
		if len(f.buf) < 2 {
			return nil
		}
		size := int(binary.BigEndian.Uint16(f.buf[:2]))
		if size > MaxPayloadSize {
			return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}
		if len(f.buf) < 2+size {
			return nil
		}
		var payload []byte
		if size > 0 {
			payload = make([]byte, size)
			copy(payload, f.buf[2:2+size])
		}
		f.buf = f.buf[2+size:]
		if f.OnMessage != nil {
			f.OnMessage(payload)
		}
	}
}

// Pending 缓冲里尚未凑满一帧的字节数，断开时记日志用
func (f *Framer) Pending() int {
	return len(f.buf)
}

// Wrap 给载荷加上长度前缀
func Wrap(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame[:2], uint16(len(payload)))
	copy(frame[2:], payload)
	return frame, nil
}

// WrapKeepalive 零长度帧，只证明连接还活着，没有任何语义
func WrapKeepalive() []byte {
	return []byte{0, 0}
}
