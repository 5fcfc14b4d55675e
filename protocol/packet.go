package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownOpcode 构造数据包时指令名不在表中
var ErrUnknownOpcode = errors.New("protocol: unknown opcode")

// 指令名表：顺序即字节值，两端必须保持完全一致的顺序
var opcodeNames = []string{
	"playername",
	"gamecountdown",
	"removefromwaitinglobby",
	"playerdied",
	"heartbeat",
	"bye",
	"joinwaitinglobby",
	"gameover",
	"ready",
	"unready",
	"message",
	"invincibility",
	"gamestart",
	"pickuppowerup",
	"spawnpowerup",
	"detonatePhase2",
	"detonatePhase1",
	"placebombother",
	"placebomb",
	"spawnother",
	"spawn",
	"moveleft",
	"moveright",
	"moveup",
	"movedown",
	"move",
	"moveother",
	"showplayers",
}

var (
	opcodeByName map[string]byte
	nameByOpcode map[byte]string
)

func init() {
	opcodeByName = make(map[string]byte, len(opcodeNames))
	nameByOpcode = make(map[byte]string, len(opcodeNames))
	for i, name := range opcodeNames {
		opcodeByName[name] = byte(i)
		nameByOpcode[byte(i)] = name
	}
}

// Packet 一条应用层消息：1 字节指令 + `:` 分隔的参数串。构造后不再修改
type Packet struct {
	Op   byte
	Args string
}

// New 按指令名构造数据包；未知指令名返回 ErrUnknownOpcode
func New(name string, args string) (*Packet, error) {
	op, ok := opcodeByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOpcode, name)
	}
	return &Packet{Op: op, Args: args}, nil
}

// MustNew 指令名写死在代码里的场景使用，表里没有直接 panic
func MustNew(name string, args string) *Packet {
	p, err := New(name, args)
	if err != nil {
		panic(err)
	}
	return p
}

// Decode 解析一条完整载荷；空载荷是 keepalive，返回 (nil, nil)
func Decode(payload []byte) (*Packet, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	return &Packet{Op: payload[0], Args: string(payload[1:])}, nil
}

// Encode 序列化为线上载荷（不含长度前缀）
func (p *Packet) Encode() []byte {
	buf := make([]byte, 0, 1+len(p.Args))
	buf = append(buf, p.Op)
	buf = append(buf, p.Args...)
	return buf
}

// Name 指令的可读名，日志用；字节值不在表中时返回十进制形式
func (p *Packet) Name() string {
	if name, ok := nameByOpcode[p.Op]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", p.Op)
}

// Known 指令字节是否在表中
func (p *Packet) Known() bool {
	_, ok := nameByOpcode[p.Op]
	return ok
}

// Is 判断指令名（未知名按不匹配处理）
func (p *Packet) Is(name string) bool {
	op, ok := opcodeByName[name]
	return ok && p.Op == op
}

// Fields 参数串按 `:` 拆分；空参数返回空切片
func (p *Packet) Fields() []string {
	if p.Args == "" {
		return nil
	}
	return strings.Split(p.Args, ":")
}

func (p *Packet) String() string {
	return fmt.Sprintf("[%s %q]", p.Name(), p.Args)
}
