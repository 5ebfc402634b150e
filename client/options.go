package client

import (
	"github.com/hunyxv/qmux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// BeforeCall 发送请求前执行
type BeforeCall func(req *Request)

// AfterCall 收到应答后执行（包括失败）
type AfterCall func(req *Request, rep *Reply, err error)

type Option func(opt *options)

type options struct {
	Logger         qmux.Logger
	TracerProvider trace.TracerProvider
	Before         []BeforeCall
	After          []AfterCall
}

func defaultOptions() *options {
	return &options{
		Logger:         qmux.NewLogger(),
		TracerProvider: otel.GetTracerProvider(),
	}
}

// WithLogger 设置 logger
func WithLogger(logger qmux.Logger) Option {
	return func(opt *options) {
		opt.Logger = logger
	}
}

// WithTracerProvider 设置 TracerProvider
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(opt *options) {
		opt.TracerProvider = tp
	}
}

// WithBeforeCall 追加请求前钩子
func WithBeforeCall(f BeforeCall) Option {
	return func(opt *options) {
		opt.Before = append(opt.Before, f)
	}
}

// WithAfterCall 追加应答后钩子
func WithAfterCall(f AfterCall) Option {
	return func(opt *options) {
		opt.After = append(opt.After, f)
	}
}
