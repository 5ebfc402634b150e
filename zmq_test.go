package qmux

import (
	"context"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// replyFunc 由请求帧生成应答帧，返回 nil 表示不应答
type replyFunc func(h Header, body []byte) []byte

// echoReply 把请求 body 原样作为应答发回
func echoReply(h Header, body []byte) []byte {
	h.CtrlFlags |= CtrlFlagService
	h.ServiceFlags = FlagResponse
	buf, err := EncodeHeader(h, len(body))
	if err != nil {
		return nil
	}
	return append(buf, body...)
}

// garbageReply 应答一个 marker 错误的帧
func garbageReply(Header, []byte) []byte {
	return []byte{0x02, 0x08, 0x00, 0x80, 0x05, 0x02, 0x02, 0x01, 0x00}
}

func startRouter(t *testing.T, endpoint string, reply replyFunc) func() {
	t.Helper()
	router, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		t.Fatal(err)
	}
	if err := router.Bind(endpoint); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer router.Close()
		poller := zmq.NewPoller()
		poller.Add(router, zmq.POLLIN)
		for {
			select {
			case <-stop:
				return
			default:
			}
			polls, err := poller.Poll(50 * time.Millisecond)
			if err != nil {
				return
			}
			if len(polls) == 0 {
				continue
			}
			msg, err := router.RecvMessageBytes(0)
			if err != nil || len(msg) != 2 {
				continue
			}
			h, n, err := DecodeHeader(msg[1])
			if err != nil {
				continue
			}
			if frame := reply(h, msg[1][n:]); frame != nil {
				router.SendMessage(msg[0], frame)
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

func dialTestZmq(t *testing.T, endpoint string) (*ZmqChannel, *Transport) {
	t.Helper()
	ch, err := DialZmq(endpoint, WithZmqIdentity("qmux-test"), WithZmqLogger(zap.NewNop().Sugar()))
	if err != nil {
		t.Fatal(err)
	}
	tr, err := NewTransport(ch, WithLogger(zap.NewNop().Sugar()))
	if err != nil {
		t.Fatal(err)
	}
	return ch, tr
}

func sendRequest(t *testing.T, ch *ZmqChannel, r *Response, body string) {
	t.Helper()
	h := Header{Service: r.Service(), Session: r.Session(), Transaction: r.TransactionID()}
	buf, err := EncodeHeader(h, len(body))
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(append(buf, body...)); err != nil {
		t.Fatal(err)
	}
}

func TestZmqChannel(t *testing.T) {
	endpoint := "inproc://qmux-zmq-test"
	stop := startRouter(t, endpoint, echoReply)
	defer stop()

	ch, tr := dialTestZmq(t, endpoint)
	if ch.Identity() != "qmux-test" {
		t.Fatalf("identity=%q", ch.Identity())
	}

	r, err := tr.Register(5, 2)
	if err != nil {
		t.Fatal(err)
	}
	sendRequest(t, ch, r, "ping")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	payload, err := r.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "ping" {
		t.Fatalf("payload=%q", payload)
	}

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ch.Send([]byte("x")); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("send after close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
}

// 令牌里直接 poll：失败时 transport 会在令牌里关闭 ZmqChannel
func TestZmqFailureInsideWaker(t *testing.T) {
	endpoint := "inproc://qmux-zmq-garbage"
	stop := startRouter(t, endpoint, garbageReply)
	defer stop()

	ch, tr := dialTestZmq(t, endpoint)
	r, err := tr.Register(5, 2)
	if err != nil {
		t.Fatal(err)
	}

	result := make(chan error, 2)
	var wake Waker
	wake = func() {
		if _, ready, err := r.Poll(wake); ready {
			result <- err
		}
	}
	if _, ready, err := r.Poll(wake); ready {
		t.Fatalf("want pending, got err=%v", err)
	}
	sendRequest(t, ch, r, "ping")

	select {
	case err := <-result:
		if !errors.Is(err, ErrTransportFailed) || !errors.Is(err, ErrMalformedHeader) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("poll inside waker did not return")
	}
	if err := ch.Send([]byte("x")); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("channel must be closed after failure, send err=%v", err)
	}
}

func TestZmqCloseInsideWaker(t *testing.T) {
	endpoint := "inproc://qmux-zmq-close"
	stop := startRouter(t, endpoint, echoReply)
	defer stop()

	ch, tr := dialTestZmq(t, endpoint)
	a, err := tr.Register(5, 2)
	if err != nil {
		t.Fatal(err)
	}
	b, err := tr.Register(5, 2)
	if err != nil {
		t.Fatal(err)
	}

	closed := make(chan error, 2)
	if _, ready, err := a.Poll(func() { closed <- tr.Close() }); ready {
		t.Fatalf("want pending, got err=%v", err)
	}
	sendRequest(t, ch, b, "ping")

	select {
	case err := <-closed:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close inside waker did not return")
	}
	if _, ready, err := a.Poll(func() {}); !ready || !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("ready=%v err=%v", ready, err)
	}
}

// context 终止后 mainLoop 必须关闭自己的 socket，否则 Term 不会返回
func TestZmqContextTerm(t *testing.T) {
	zctx, err := zmq.NewContext()
	if err != nil {
		t.Fatal(err)
	}
	ch, err := DialZmq("inproc://qmux-zmq-term", WithZmqContext(zctx), WithZmqLogger(zap.NewNop().Sugar()))
	if err != nil {
		t.Fatal(err)
	}
	tr, err := NewTransport(ch, WithLogger(zap.NewNop().Sugar()))
	if err != nil {
		t.Fatal(err)
	}
	r, err := tr.Register(5, 2)
	if err != nil {
		t.Fatal(err)
	}

	result := make(chan error, 2)
	if _, ready, err := r.Poll(func() {
		if _, ready, err := r.Poll(func() {}); ready {
			result <- err
		}
	}); ready {
		t.Fatalf("want pending, got err=%v", err)
	}

	terminated := make(chan error, 1)
	go func() { terminated <- zctx.Term() }()

	select {
	case err := <-result:
		if !errors.Is(err, ErrTransportFailed) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("context termination not reported")
	}
	select {
	case err := <-terminated:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("context Term blocked on an open socket")
	}
}
