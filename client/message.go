package client

import (
	"encoding/binary"

	"github.com/hunyxv/qmux"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const messageHeaderLen = 4 // message id (u16) + body length (u16)

var ErrMalformedMessage = errors.New("qmux-cli: malformed message")

// Request 一次调用的请求
type Request struct {
	ID          string // 本地调用 id，不上线
	Service     qmux.ServiceID
	Session     qmux.SessionID
	Transaction qmux.TransactionID
	MessageID   uint16
	Body        []byte // msgpack 编码
}

// Reply 应答帧中帧头之后的部分
type Reply struct {
	MessageID uint16
	Body      []byte
}

// Frame 编码完整的请求帧
func (req *Request) Frame() ([]byte, error) {
	h := qmux.Header{
		Service:     req.Service,
		Session:     req.Session,
		Transaction: req.Transaction,
	}
	return encodeMessage(h, req.MessageID, req.Body)
}

// EncodeReply 编码应答帧（多路复用服务一侧使用，也便于测试）
func EncodeReply(h qmux.Header, messageID uint16, v interface{}) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "qmux-cli: marshal reply")
	}
	h.CtrlFlags |= qmux.CtrlFlagService
	h.ServiceFlags |= qmux.FlagResponse
	return encodeMessage(h, messageID, body)
}

// MaxBodyLen 帧头 h 之后 msgpack body 的最大长度
func MaxBodyLen(h qmux.Header) int {
	return qmux.MaxPayloadLen(h) - messageHeaderLen
}

func encodeMessage(h qmux.Header, messageID uint16, body []byte) ([]byte, error) {
	buf, err := qmux.EncodeHeader(h, messageHeaderLen+len(body))
	if err != nil {
		return nil, errors.Wrapf(err, "qmux-cli: message %d body %d bytes", messageID, len(body))
	}
	return appendMessage(buf, messageID, body), nil
}

// ParseRequest 解析完整的请求帧
func ParseRequest(frame []byte) (*Request, error) {
	h, n, err := qmux.DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	rep, err := ParseReply(frame[n:])
	if err != nil {
		return nil, err
	}
	return &Request{
		Service:     h.Service,
		Session:     h.Session,
		Transaction: h.Transaction,
		MessageID:   rep.MessageID,
		Body:        rep.Body,
	}, nil
}

// ParseReply 解析帧头之后的部分
func ParseReply(payload []byte) (*Reply, error) {
	if len(payload) < messageHeaderLen {
		return nil, errors.Wrapf(ErrMalformedMessage, "short message: %d bytes", len(payload))
	}
	msgID := binary.LittleEndian.Uint16(payload[0:2])
	size := int(binary.LittleEndian.Uint16(payload[2:4]))
	if len(payload)-messageHeaderLen < size {
		return nil, errors.Wrapf(ErrMalformedMessage, "body length %d, have %d", size, len(payload)-messageHeaderLen)
	}
	return &Reply{
		MessageID: msgID,
		Body:      payload[messageHeaderLen : messageHeaderLen+size],
	}, nil
}

func appendMessage(buf []byte, messageID uint16, body []byte) []byte {
	var mh [messageHeaderLen]byte
	binary.LittleEndian.PutUint16(mh[0:2], messageID)
	binary.LittleEndian.PutUint16(mh[2:4], uint16(len(body)))
	buf = append(buf, mh[:]...)
	return append(buf, body...)
}
