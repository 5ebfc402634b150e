package qmux

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoEndpoint 注册中心里没有可用的多路复用服务
var ErrNoEndpoint = errors.New("qmux: no endpoint available")

// Endpoint 注册中心中登记的多路复用服务节点（json 序列化，便于查看）
type Endpoint struct {
	ServiceName string `json:"service_name"`
	NodeID      string `json:"nodeid"`
	Endpoint    string `json:"endpoint"`
}

// ResolverConfig 服务发现所需配置
type ResolverConfig struct {
	Registries    []string // 注册中心 endpoint
	ServicePrefix string   // 服务前缀
	ServiceName   string
	Logger        Logger
}

func (cnf *ResolverConfig) key() string {
	return strings.Join([]string{cnf.ServicePrefix, cnf.ServiceName}, "/")
}

// Resolver 查找多路复用服务的 endpoint
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
	Close() error
}

var _ Resolver = StaticResolver("")

// StaticResolver 固定地址
type StaticResolver string

func (s StaticResolver) Resolve(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoEndpoint
	}
	return string(s), nil
}

func (StaticResolver) Close() error { return nil }

func parseEndpoint(metadata []byte) (Endpoint, error) {
	var ep Endpoint
	if err := json.Unmarshal(metadata, &ep); err != nil {
		return Endpoint{}, errors.Wrap(err, "qmux: parse endpoint")
	}
	if ep.Endpoint == "" {
		return Endpoint{}, errors.Wrap(ErrNoEndpoint, "qmux: empty endpoint")
	}
	return ep, nil
}

func splitKey(key string) (string, string) {
	l := strings.Split(key, "/")
	if len(l) > 2 {
		return l[len(l)-2], l[len(l)-1]
	}
	return "", ""
}
