package qmux

import (
	"sync"
)

var _ Channel = (*Pipe)(nil)

// Pipe 内存中的帧队列，实现 Channel。
// 写端调用 Push/CloseWrite/Fail，读端由 Transport 非阻塞读取。
type Pipe struct {
	mu     sync.Mutex
	queue  [][]byte
	wake   Waker
	closed bool  // 对端关闭，队列读完后返回 ErrChannelClosed
	err    error // 读端下一次读取返回的 I/O 错误
}

func NewPipe() *Pipe {
	return &Pipe{}
}

// Push 写入一个完整帧
func (p *Pipe) Push(frame []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrChannelClosed
	}
	p.queue = append(p.queue, frame)
	wake := p.takeWakeLocked()
	p.mu.Unlock()

	if wake != nil {
		wake()
	}
	return nil
}

// CloseWrite 对端关闭：已写入的帧仍可读出
func (p *Pipe) CloseWrite() {
	p.mu.Lock()
	p.closed = true
	wake := p.takeWakeLocked()
	p.mu.Unlock()

	if wake != nil {
		wake()
	}
}

// Fail 让读端下一次读取返回 err
func (p *Pipe) Fail(err error) {
	p.mu.Lock()
	p.err = err
	wake := p.takeWakeLocked()
	p.mu.Unlock()

	if wake != nil {
		wake()
	}
}

func (p *Pipe) TryRecv(w Waker) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	if len(p.queue) > 0 {
		frame := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		return frame, nil
	}
	if p.closed {
		return nil, ErrChannelClosed
	}
	p.wake = w
	return nil, ErrWouldBlock
}

// Close 读端关闭，丢弃未读的帧
func (p *Pipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.queue = nil
	wake := p.takeWakeLocked()
	p.mu.Unlock()

	if wake != nil {
		wake()
	}
	return nil
}

// Len 未读帧数
func (p *Pipe) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipe) takeWakeLocked() Waker {
	wake := p.wake
	p.wake = nil
	return wake
}
