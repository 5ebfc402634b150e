package main

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hunyxv/qmux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type resolverConfig struct {
	Kind       string   `toml:"kind"` // "", "consul", "etcd"
	Registries []string `toml:"registries"`
	Prefix     string   `toml:"prefix"`
	Service    string   `toml:"service"`
}

type fileConfig struct {
	Endpoint string         `toml:"endpoint"`
	Identity string         `toml:"identity"`
	Timeout  string         `toml:"timeout"`
	WakePool int            `toml:"wake_pool"`
	LogLevel string         `toml:"log_level"`
	Resolver resolverConfig `toml:"resolver"`
}

type config struct {
	Endpoint string
	Identity string
	Timeout  time.Duration
	WakePool int
	LogLevel zapcore.Level
	Resolver resolverConfig
}

func defaultConfig() config {
	return config{
		Endpoint: "tcp://127.0.0.1:10080",
		Timeout:  5 * time.Second,
		LogLevel: zapcore.InfoLevel,
		Resolver: resolverConfig{Prefix: "/qmux", Service: "qmux"},
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, errors.Wrap(err, "load qmuxctl config")
	}

	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("identity") {
		cfg.Identity = strings.TrimSpace(raw.Identity)
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return config{}, errors.Wrap(err, "parse timeout")
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("wake_pool") {
		cfg.WakePool = raw.WakePool
	}
	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return config{}, errors.Wrap(err, "parse log_level")
		}
	}
	if meta.IsDefined("resolver", "kind") {
		cfg.Resolver.Kind = strings.ToLower(strings.TrimSpace(raw.Resolver.Kind))
	}
	if meta.IsDefined("resolver", "registries") {
		cfg.Resolver.Registries = raw.Resolver.Registries
	}
	if meta.IsDefined("resolver", "prefix") {
		cfg.Resolver.Prefix = strings.TrimSpace(raw.Resolver.Prefix)
	}
	if meta.IsDefined("resolver", "service") {
		cfg.Resolver.Service = strings.TrimSpace(raw.Resolver.Service)
	}
	return cfg, nil
}

func (cfg config) logger() (qmux.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return l.Named("qmuxctl").Sugar(), nil
}

func (cfg config) resolver(logger qmux.Logger) (qmux.Resolver, error) {
	rc := &qmux.ResolverConfig{
		Registries:    cfg.Resolver.Registries,
		ServicePrefix: cfg.Resolver.Prefix,
		ServiceName:   cfg.Resolver.Service,
		Logger:        logger,
	}
	switch cfg.Resolver.Kind {
	case "":
		return qmux.StaticResolver(cfg.Endpoint), nil
	case "consul":
		return qmux.NewConsulResolver(rc)
	case "etcd":
		return qmux.NewEtcdResolver(rc)
	}
	return nil, errors.Errorf("unknown resolver kind %q", cfg.Resolver.Kind)
}
