package qmux

import (
	"fmt"
	"sync"

	"github.com/pborman/uuid"
	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"
)

var (
	_ Channel = (*ZmqChannel)(nil)
	_ Sender  = (*ZmqChannel)(nil)
)

const _CLOSE = "close"

type ZmqOption func(opt *zmqOptions)

type zmqOptions struct {
	Identity string       // socket identity，默认随机 uuid
	Type     zmq.Type     // 默认 zmq.DEALER
	Context  *zmq.Context // 默认使用 zmq 全局 context
	Logger   Logger
}

// WithZmqIdentity 设置 socket identity（不同客户端不能相同）
func WithZmqIdentity(id string) ZmqOption {
	return func(opt *zmqOptions) {
		opt.Identity = id
	}
}

// WithZmqType 设置 socket 类型
func WithZmqType(t zmq.Type) ZmqOption {
	return func(opt *zmqOptions) {
		opt.Type = t
	}
}

// WithZmqContext 所有 socket 在 ctx 中创建
func WithZmqContext(ctx *zmq.Context) ZmqOption {
	return func(opt *zmqOptions) {
		opt.Context = ctx
	}
}

func WithZmqLogger(logger Logger) ZmqOption {
	return func(opt *zmqOptions) {
		opt.Logger = logger
	}
}

// ZmqChannel 基于 zmq 的双工通道。
// socket 只由 mainLoop 访问；发送经 inproc PUSH/PULL 转交，关闭经 PAIR 指令。
// 收到的帧放入 inbox，TryRecv 从 inbox 非阻塞读取。
// 唤醒令牌不在 mainLoop 上执行，令牌里可以直接 poll 或 Close。
//
// DEALER 会自动重连，对端断开不会以 ErrChannelClosed 的形式出现：
// 只有本地 Close 或 zmq context 终止会让 TryRecv 返回终止错误。
// 需要感知多路复用服务失联的调用方应在 Wait 的 ctx 上设置超时。
type ZmqChannel struct {
	id       string
	identity string
	endpoint string
	zctx     *zmq.Context
	socket   *zmq.Socket
	push     *zmq.Socket
	pipe     *zmq.Socket
	inbox    *Pipe
	logger   Logger
	done     chan struct{}

	lock    sync.Mutex
	isClose bool
}

// DialZmq 连接到多路复用服务 endpoint
func DialZmq(endpoint string, opts ...ZmqOption) (*ZmqChannel, error) {
	defOpts := &zmqOptions{
		Identity: uuid.NewRandom().String(),
		Type:     zmq.DEALER,
	}
	for _, f := range opts {
		f(defOpts)
	}
	if defOpts.Logger == nil {
		defOpts.Logger = NewLogger()
	}

	c := &ZmqChannel{
		id:       uuid.NewRandom().String(),
		identity: defOpts.Identity,
		endpoint: endpoint,
		zctx:     defOpts.Context,
		inbox:    NewPipe(),
		logger:   defOpts.Logger,
		done:     make(chan struct{}),
	}

	var err error
	defer func() {
		if err != nil {
			c.closeSockets()
		}
	}()

	if c.socket, err = c.newSocket(defOpts.Type); err != nil {
		return nil, errors.Wrap(err, "qmux: zmq socket")
	}
	if err = c.socket.SetIdentity(c.identity); err != nil {
		return nil, errors.Wrap(err, "qmux: zmq identity")
	}
	if err = c.socket.Connect(endpoint); err != nil {
		return nil, errors.Wrapf(err, "qmux: zmq connect %s", endpoint)
	}

	// 用于转交待发送的帧
	if c.push, err = c.newSocket(zmq.PUSH); err != nil {
		return nil, errors.Wrap(err, "qmux: zmq push")
	}
	if err = c.push.Bind(c.inprocAddr("send")); err != nil {
		return nil, errors.Wrap(err, "qmux: zmq push bind")
	}
	// pipe 用于发送指令
	if c.pipe, err = c.newSocket(zmq.PAIR); err != nil {
		return nil, errors.Wrap(err, "qmux: zmq pipe")
	}
	if err = c.pipe.Bind(c.inprocAddr("pipe")); err != nil {
		return nil, errors.Wrap(err, "qmux: zmq pipe bind")
	}

	ready := make(chan error, 1)
	go c.mainLoop(ready)
	if err = <-ready; err != nil {
		return nil, err
	}
	return c, nil
}

func (c *ZmqChannel) newSocket(t zmq.Type) (*zmq.Socket, error) {
	if c.zctx != nil {
		return c.zctx.NewSocket(t)
	}
	return zmq.NewSocket(t)
}

func (c *ZmqChannel) inprocAddr(name string) string {
	return fmt.Sprintf("inproc://qmux_%s_%s", name, c.id)
}

func (c *ZmqChannel) mainLoop(ready chan<- error) {
	defer close(c.done)
	defer c.inbox.CloseWrite()

	localPull, err := c.newSocket(zmq.PULL)
	if err != nil {
		ready <- errors.Wrap(err, "qmux: zmq pull")
		return
	}
	defer localPull.Close()
	if err := localPull.Connect(c.inprocAddr("send")); err != nil {
		ready <- errors.Wrap(err, "qmux: zmq pull connect")
		return
	}

	pipe, err := c.newSocket(zmq.PAIR)
	if err != nil {
		ready <- errors.Wrap(err, "qmux: zmq pipe")
		return
	}
	defer pipe.Close()
	if err := pipe.Connect(c.inprocAddr("pipe")); err != nil {
		ready <- errors.Wrap(err, "qmux: zmq pipe connect")
		return
	}
	ready <- nil

	poller := zmq.NewPoller()
	poller.Add(c.socket, zmq.POLLIN)
	poller.Add(localPull, zmq.POLLIN)
	poller.Add(pipe, zmq.POLLIN)
	for {
		polls, err := poller.Poll(-1)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				c.socket.Close()
				c.inbox.Fail(errors.Wrap(err, "qmux: zmq poll"))
				return
			}
			c.logger.Warnf("qmux: zmq poll %s: %v", c.endpoint, err)
			continue
		}

		for _, p := range polls {
			switch soc := p.Socket; soc {
			case pipe:
				cmd, err := pipe.Recv(0)
				if err != nil {
					c.logger.Warnf("qmux: zmq pipe: %v", err)
					continue
				}
				if cmd == _CLOSE {
					c.socket.Close()
					pipe.Send("ok", 0)
					return
				}
			case localPull:
				frame, err := localPull.RecvBytes(0)
				if err != nil {
					c.logger.Warnf("qmux: zmq pull: %v", err)
					continue
				}
				if _, err := c.socket.SendBytes(frame, 0); err != nil {
					c.logger.Warnf("qmux: zmq send %s: %v", c.endpoint, err)
				}
			case c.socket:
				frame, err := c.socket.RecvBytes(0)
				if err != nil {
					c.logger.Warnf("qmux: zmq recv %s: %v", c.endpoint, err)
					continue
				}
				if err := c.inbox.Push(frame); err != nil {
					c.socket.Close()
					return
				}
			}
		}
	}
}

// Identity socket identity
func (c *ZmqChannel) Identity() string { return c.identity }

// Send 发送一个请求帧
func (c *ZmqChannel) Send(frame []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.isClose {
		return ErrChannelClosed
	}
	if _, err := c.push.SendBytes(frame, 0); err != nil {
		return errors.Wrap(err, "qmux: zmq send")
	}
	return nil
}

func (c *ZmqChannel) TryRecv(w Waker) ([]byte, error) {
	return c.inbox.TryRecv(detach(w))
}

// detach 令牌由 mainLoop 触发，换到新的 goroutine 上执行
func detach(w Waker) Waker {
	if w == nil {
		return nil
	}
	return func() { go w() }
}

// Close 关闭 socket，可重复调用
func (c *ZmqChannel) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.isClose {
		return nil
	}
	c.isClose = true

	select {
	case <-c.done:
	default:
		_, err := c.pipe.Send(_CLOSE, 0)
		if err == nil {
			_, err = c.pipe.Recv(0)
		}
		// context 已终止时 mainLoop 会自行退出
		if err != nil && zmq.AsErrno(err) != zmq.ETERM {
			return errors.Wrap(err, "qmux: zmq close")
		}
		<-c.done
	}
	c.push.Close()
	c.pipe.Close()
	return nil
}

func (c *ZmqChannel) closeSockets() {
	for _, soc := range []*zmq.Socket{c.socket, c.push, c.pipe} {
		if soc != nil {
			soc.Close()
		}
	}
}
