package client

import (
	"context"

	"github.com/hunyxv/qmux"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrMessageMismatch = errors.New("qmux-cli: reply message id mismatch")

// Client 在 Transport 之上发起类型化调用，请求与应答 body 使用 msgpack
type Client struct {
	transport *qmux.Transport
	sender    qmux.Sender
	tracer    trace.Tracer
	opts      *options
}

func New(t *qmux.Transport, s qmux.Sender, opts ...Option) *Client {
	defOpts := defaultOptions()
	for _, f := range opts {
		f(defOpts)
	}
	return &Client{
		transport: t,
		sender:    s,
		tracer:    defOpts.TracerProvider.Tracer("github.com/hunyxv/qmux/client"),
		opts:      defOpts,
	}
}

// Call 发送一次请求并等待应答，resp 为 nil 时忽略应答 body
func (cli *Client) Call(ctx context.Context, service qmux.ServiceID, session qmux.SessionID, messageID uint16, req, resp interface{}) (err error) {
	callID := uuid.NewRandom().String()
	ctx, span := cli.tracer.Start(ctx, "qmux.Client.Call", trace.WithAttributes(
		attribute.String("qmux.call", callID),
		attribute.Int("qmux.service", int(service)),
		attribute.Int("qmux.session", int(session)),
		attribute.Int("qmux.message", int(messageID)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body, err := msgpack.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "qmux-cli: marshal request")
	}

	h, err := cli.transport.Register(service, session)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			cli.opts.Logger.Warnf("qmux-cli: call %s close response: %v", callID, cerr)
		}
	}()

	request := &Request{
		ID:          callID,
		Service:     service,
		Session:     session,
		Transaction: h.TransactionID(),
		MessageID:   messageID,
		Body:        body,
	}
	frame, err := request.Frame()
	if err != nil {
		return err
	}
	for _, f := range cli.opts.Before {
		f(request)
	}

	var reply *Reply
	defer func() {
		for _, f := range cli.opts.After {
			f(request, reply, err)
		}
	}()

	if err = cli.sender.Send(frame); err != nil {
		return errors.Wrap(err, "qmux-cli: send request")
	}

	payload, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	if reply, err = ParseReply(payload); err != nil {
		return err
	}
	if reply.MessageID != messageID {
		return errors.Wrapf(ErrMessageMismatch, "want %d, got %d", messageID, reply.MessageID)
	}
	if resp == nil {
		return nil
	}
	if err = msgpack.Unmarshal(reply.Body, resp); err != nil {
		return errors.Wrap(err, "qmux-cli: unmarshal reply")
	}
	return nil
}
