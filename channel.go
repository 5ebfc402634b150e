package qmux

import (
	"github.com/pkg/errors"
)

var (
	// ErrWouldBlock 通道暂无数据，TryRecv 已登记唤醒函数
	ErrWouldBlock = errors.New("qmux: channel would block")
	// ErrChannelClosed 对端关闭或本地已关闭
	ErrChannelClosed = errors.New("qmux: channel closed")
)

// Waker 唤醒令牌：调用后对应的调用方会被重新 poll
type Waker func()

// Channel transport 消费的双工通道接收端
type Channel interface {
	// TryRecv 非阻塞地读取一个完整帧。
	// 无数据时登记 w（覆盖之前登记的），返回 ErrWouldBlock；
	// 对端关闭返回 ErrChannelClosed；其他错误视为 I/O 故障。
	TryRecv(w Waker) ([]byte, error)
	// Close 关闭通道
	Close() error
}

// Sender 发送请求帧
type Sender interface {
	Send(frame []byte) error
}
