package qmux

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// ServiceID 远端逻辑服务
type ServiceID uint8

// SessionID 本地会话（客户端上下文）
type SessionID uint8

// TransactionID 线上取值从 1 开始，槽位下标 = TransactionID - 1
type TransactionID uint16

const (
	// HeaderMarker 每个帧的首字节
	HeaderMarker byte = 0x01

	// ControlService 控制服务，事务 id 只占 1 字节
	ControlService ServiceID = 0x00

	// CtrlFlagService 帧由服务端发出
	CtrlFlagService uint8 = 0x80

	// FlagResponse / FlagIndication 归一化后的 service_ctrl_flags
	FlagResponse   uint8 = 0x01
	FlagIndication uint8 = 0x02

	controlHeaderLen = 8
	serviceHeaderLen = 9
)

var (
	ErrMalformedHeader = errors.New("qmux: malformed header")
	// ErrFrameTooLarge 帧长度超出 length 字段能表示的范围
	ErrFrameTooLarge = errors.New("qmux: frame too large")
)

// maxFrameLength length 字段最大值（不含 marker）
const maxFrameLength = 0xffff

// Header 帧头
type Header struct {
	Length       uint16
	CtrlFlags    uint8
	Service      ServiceID
	Session      SessionID
	ServiceFlags uint8 // 已归一化：bit0 应答，bit1 通知
	Transaction  TransactionID
}

// Len 帧头在线上的字节数
func (h Header) Len() int {
	if h.Service == ControlService {
		return controlHeaderLen
	}
	return serviceHeaderLen
}

// IsResponse 是否为调用应答，否则是通知（indication）
func (h Header) IsResponse() bool {
	return h.ServiceFlags&FlagResponse != 0
}

func (h Header) IsIndication() bool {
	return h.ServiceFlags&FlagIndication != 0
}

func (h Header) String() string {
	return fmt.Sprintf("Header[len=%d ctrl=%#02x service=%d session=%d flags=%#02x txn=%d]",
		h.Length, h.CtrlFlags, h.Service, h.Session, h.ServiceFlags, h.Transaction)
}

// DecodeHeader 解析帧头，返回帧头和消耗的字节数
func DecodeHeader(b []byte) (Header, int, error) {
	if len(b) < controlHeaderLen {
		return Header{}, 0, errors.Wrapf(ErrMalformedHeader, "short frame: %d bytes", len(b))
	}
	if b[0] != HeaderMarker {
		return Header{}, 0, errors.Wrapf(ErrMalformedHeader, "marker %#02x", b[0])
	}

	h := Header{
		Length:    binary.LittleEndian.Uint16(b[1:3]),
		CtrlFlags: b[3],
		Service:   ServiceID(b[4]),
		Session:   SessionID(b[5]),
	}
	if h.Service == ControlService {
		h.ServiceFlags = b[6]
		h.Transaction = TransactionID(b[7])
		return h, controlHeaderLen, nil
	}

	if len(b) < serviceHeaderLen {
		return Header{}, 0, errors.Wrapf(ErrMalformedHeader, "short service frame: %d bytes", len(b))
	}
	h.ServiceFlags = b[6] >> 1
	h.Transaction = TransactionID(binary.LittleEndian.Uint16(b[7:9]))
	return h, serviceHeaderLen, nil
}

// MaxPayloadLen 帧头 h 之后最多能携带的字节数
func MaxPayloadLen(h Header) int {
	return maxFrameLength - (h.Len() - 1)
}

// EncodeHeader 按线上格式编码帧头，Length 由 payloadLen 计算（不含 marker）
func EncodeHeader(h Header, payloadLen int) ([]byte, error) {
	if payloadLen < 0 || payloadLen > MaxPayloadLen(h) {
		return nil, errors.Wrapf(ErrFrameTooLarge, "payload %d bytes, max %d", payloadLen, MaxPayloadLen(h))
	}
	buf := make([]byte, h.Len(), h.Len()+payloadLen)
	buf[0] = HeaderMarker
	binary.LittleEndian.PutUint16(buf[1:3], uint16(h.Len()-1+payloadLen))
	buf[3] = h.CtrlFlags
	buf[4] = byte(h.Service)
	buf[5] = byte(h.Session)
	if h.Service == ControlService {
		buf[6] = h.ServiceFlags
		buf[7] = byte(h.Transaction)
		return buf, nil
	}
	buf[6] = h.ServiceFlags << 1
	binary.LittleEndian.PutUint16(buf[7:9], uint16(h.Transaction))
	return buf, nil
}

// maxTransactions 事务 id 在线上能表示的最大值
func maxTransactions(service ServiceID) int {
	if service == ControlService {
		return 0xff
	}
	return 0xffff
}
