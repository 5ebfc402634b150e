package qmux

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrResponseClosed 应答已取走或调用已放弃
var ErrResponseClosed = errors.New("qmux: response closed")

type responseState uint8

const (
	responseOpen   responseState = iota
	responseDone                 // 已取走应答
	responseClosed               // 已放弃
)

// Response 一次未完成调用的挂起点。
// 同一时刻只应有一个 goroutine poll 它；不再需要时必须 Close。
type Response struct {
	t     *Transport
	key   arenaKey
	id    TransactionID
	state responseState // 由 t.mu 保护
}

func (r *Response) Service() ServiceID { return r.key.service }

func (r *Response) Session() SessionID { return r.key.session }

func (r *Response) TransactionID() TransactionID { return r.id }

// Poll 尝试取得应答，w 会在有进展时被调用。
// ready 为 false 表示仍在等待；ready 为 true 时要么拿到 payload，要么 err 非空
// （ErrChannelClosed、ErrTransportFailed 等）。
func (r *Response) Poll(w Waker) (payload []byte, ready bool, err error) {
	return r.t.pollResponse(r, w)
}

// Close 放弃调用。已取得应答时什么也不做，可重复调用。
func (r *Response) Close() error {
	return r.t.cancel(r)
}

// Wait 阻塞直到应答到达、通道终止或 ctx 结束；ctx 结束时调用会被放弃。
func (r *Response) Wait(ctx context.Context) ([]byte, error) {
	ctx, span := r.t.tracer.Start(ctx, "qmux.Response.Wait", trace.WithAttributes(
		attribute.Int("qmux.service", int(r.key.service)),
		attribute.Int("qmux.session", int(r.key.session)),
		attribute.Int("qmux.transaction", int(r.id)),
	))
	defer span.End()

	notify := make(chan struct{}, 1)
	wake := func() {
		select {
		case notify <- struct{}{}:
		default:
		}
	}

	polls := 0
	for {
		polls++
		payload, ready, err := r.Poll(wake)
		if ready {
			span.SetAttributes(attribute.Int("qmux.polls", polls))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return payload, err
		}

		select {
		case <-ctx.Done():
			if cerr := r.Close(); cerr != nil {
				r.t.logger.Warnf("qmux: close response: %v", cerr)
			}
			span.SetStatus(codes.Error, ctx.Err().Error())
			return nil, ctx.Err()
		case <-notify:
		}
	}
}
