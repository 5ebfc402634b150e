package qmux

import (
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrTransportFailed 通道读取失败或帧头损坏，transport 不再可用
	ErrTransportFailed = errors.New("qmux: transport failed")
	// ErrTransactionsExhausted 事务 id 已用尽
	ErrTransactionsExhausted = errors.New("qmux: transaction ids exhausted")
)

type transportError struct {
	op  string
	err error
}

func (e *transportError) Error() string {
	return "qmux: transport failed: " + e.op + ": " + e.err.Error()
}

func (e *transportError) Unwrap() error { return e.err }

func (e *transportError) Is(target error) bool { return target == ErrTransportFailed }

// Transport 在一个共享通道上做请求/应答关联。
// 没有专门的读 goroutine：哪个调用方被 poll，就由它来排空通道。
type Transport struct {
	mu    sync.Mutex
	ch    Channel // 关闭或失败后为 nil
	err   error   // 终止原因：ErrChannelClosed 或 transportError
	table *pendingTable

	logger Logger
	tracer trace.Tracer
	wakes  *wakeDispatcher
}

// drainResult 锁内收集、锁外处理
type drainResult struct {
	wakers  []Waker
	closing Channel
	err     error
}

// NewTransport 接管 ch
func NewTransport(ch Channel, opts ...Option) (*Transport, error) {
	defOpts := defaultOptions()
	for _, f := range opts {
		f(defOpts)
	}

	wakes, err := newWakeDispatcher(defOpts.WakePoolSize, defOpts.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "qmux: wake pool")
	}
	return &Transport{
		ch:     ch,
		table:  newPendingTable(),
		logger: defOpts.Logger,
		tracer: defOpts.TracerProvider.Tracer(tracerName),
		wakes:  wakes,
	}, nil
}

// Register 为一次调用分配事务 id。
// 请求帧需要携带这个 id，所以先注册再发送。
func (t *Transport) Register(service ServiceID, session SessionID) (*Response, error) {
	key := arenaKey{service: service, session: session}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.table.live(key) >= maxTransactions(service) {
		return nil, errors.Wrapf(ErrTransactionsExhausted, "service=%d session=%d", service, session)
	}
	id := t.table.register(key)
	return &Response{t: t, key: key, id: id}, nil
}

// Outstanding 还占着槽位的调用数（包括等待迟到应答的已放弃调用）
func (t *Transport) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.table.outstanding()
}

// Err 终止原因，仍可用时为 nil
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close 关闭通道并唤醒所有挂起的调用方
func (t *Transport) Close() error {
	var res drainResult
	t.mu.Lock()
	if t.err == nil {
		t.shutdownLocked(&res, ErrChannelClosed)
	}
	t.mu.Unlock()

	err := t.finish(&res)
	t.wakes.release()
	return err
}

// pollResponse 先排空通道，再检查自己的槽位
func (t *Transport) pollResponse(r *Response, w Waker) (payload []byte, ready bool, err error) {
	t.mu.Lock()
	if r.state != responseOpen {
		t.mu.Unlock()
		return nil, true, ErrResponseClosed
	}

	res := t.drainLocked(w)
	switch {
	case res.err != nil:
		ready, err = true, res.err
	default:
		var ok bool
		payload, ok, err = t.table.takeIfDelivered(r.key, r.id)
		switch {
		case err != nil:
			ready = true
		case ok:
			ready = true
			r.state = responseDone
			// 本次 drain 登记的是自己的令牌，交给另一个挂起的调用方继续读
			if t.ch != nil {
				res.wakers = append(res.wakers, t.table.findAnySuspended())
			}
		case t.err != nil:
			ready, err = true, t.err
		default:
			err = t.table.park(r.key, r.id, w)
			ready = err != nil
		}
	}
	t.mu.Unlock()

	if ferr := t.finish(&res); ferr != nil {
		t.logger.Warnf("qmux: close channel: %v", ferr)
	}
	return payload, ready, err
}

// cancel 放弃调用，并把读通道的责任转交给另一个挂起的调用方
func (t *Transport) cancel(r *Response) error {
	t.mu.Lock()
	if r.state != responseOpen {
		t.mu.Unlock()
		return nil
	}
	r.state = responseClosed
	err := t.table.deregister(r.key, r.id, t.err != nil)
	var wake Waker
	if err == nil {
		wake = t.table.findAnySuspended()
	}
	t.mu.Unlock()

	t.wakes.fire(wake)
	return err
}

// drainLocked 非阻塞地读出所有已到达的帧并路由到槽位
func (t *Transport) drainLocked(w Waker) (res drainResult) {
	for t.ch != nil {
		frame, err := t.ch.TryRecv(w)
		switch {
		case err == nil:
		case errors.Is(err, ErrWouldBlock):
			return
		case errors.Is(err, ErrChannelClosed):
			t.logger.Infof("qmux: channel closed by peer, %d outstanding", t.table.outstanding())
			t.shutdownLocked(&res, ErrChannelClosed)
			return
		default:
			res.err = &transportError{op: "recv", err: err}
			t.logger.Errorf("qmux: %v", res.err)
			t.shutdownLocked(&res, res.err)
			return
		}

		h, n, err := DecodeHeader(frame)
		if err != nil {
			res.err = &transportError{op: "decode", err: err}
			t.logger.Errorf("qmux: %v", res.err)
			t.shutdownLocked(&res, res.err)
			return
		}
		if !h.IsResponse() {
			t.logger.Debugf("qmux: drop indication %s", h)
			continue
		}

		key := arenaKey{service: h.Service, session: h.Session}
		wake, d := t.table.markDelivered(key, h.Transaction, frame[n:])
		switch d {
		case deliveryRouted:
			res.wakers = append(res.wakers, wake)
		case deliveryAbsorbed:
			t.logger.Debugf("qmux: drop late response %s", h)
		case deliveryDuplicate:
			t.logger.Warnf("qmux: drop duplicate response %s", h)
		case deliveryUnknown:
			t.logger.Debugf("qmux: drop unsolicited response %s", h)
		}
	}
	return
}

// shutdownLocked 进入终止状态：释放已放弃的槽位，唤醒所有挂起的调用方
func (t *Transport) shutdownLocked(res *drainResult, cause error) {
	res.closing = t.ch
	t.ch = nil
	t.err = cause
	if n := t.table.purgeDiscarded(); n > 0 {
		t.logger.Debugf("qmux: released %d discarded transactions", n)
	}
	res.wakers = append(res.wakers, t.table.suspendedWakers()...)
}

func (t *Transport) finish(res *drainResult) error {
	var err error
	if res.closing != nil {
		err = res.closing.Close()
	}
	t.wakes.fire(res.wakers...)
	return err
}
