package qmux

import (
	"go.uber.org/zap"
)

type Logger interface {
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
}

var _ Logger = (*zap.SugaredLogger)(nil)

// NewLogger 默认 logger（zap production 配置）
func NewLogger() Logger {
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Named("qmux").Sugar()
}
