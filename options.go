package qmux

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hunyxv/qmux"

type Option func(opt *options)

type options struct {
	Logger         Logger              // logger
	TracerProvider trace.TracerProvider // 链路追踪
	WakePoolSize   int                 // 唤醒令牌执行池大小，0 表示同步执行
}

func defaultOptions() *options {
	return &options{
		Logger:         NewLogger(),
		TracerProvider: otel.GetTracerProvider(),
	}
}

// WithLogger 设置 logger
func WithLogger(logger Logger) Option {
	return func(opt *options) {
		opt.Logger = logger
	}
}

// WithTracerProvider 设置 TracerProvider（默认使用全局的）
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(opt *options) {
		opt.TracerProvider = tp
	}
}

// WithWakePool 唤醒令牌交给大小为 size 的 goroutine 池执行
func WithWakePool(size int) Option {
	return func(opt *options) {
		opt.WakePoolSize = size
	}
}
