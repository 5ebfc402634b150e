package qmux

import (
	"context"
	"fmt"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/pkg/errors"
)

const consulTag = "qmux"

type consulResolver struct {
	cnf    *ResolverConfig
	client *consulapi.Client
}

// NewConsulResolver 通过 consul 健康检查查找服务
func NewConsulResolver(cnf *ResolverConfig) (Resolver, error) {
	if cnf.Logger == nil {
		cnf.Logger = NewLogger()
	}

	consulConfig := consulapi.DefaultConfig()
	consulConfig.Address = strings.Join(cnf.Registries, ",")
	consulClient, err := consulapi.NewClient(consulConfig)
	if err != nil {
		return nil, errors.Wrap(err, "qmux: consul client")
	}
	return &consulResolver{cnf: cnf, client: consulClient}, nil
}

func (cr *consulResolver) Resolve(ctx context.Context) (string, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	services, _, err := cr.client.Health().Service(cr.cnf.ServiceName, consulTag, true, q)
	if err != nil {
		return "", errors.Wrapf(err, "qmux: consul resolve %s", cr.cnf.ServiceName)
	}

	for _, service := range services {
		if ep := consulEndpoint(service); ep != "" {
			cr.cnf.Logger.Debugf("qmux: consul resolve %s -> %s", cr.cnf.ServiceName, ep)
			return ep, nil
		}
	}
	return "", errors.Wrapf(ErrNoEndpoint, "consul service %s", cr.cnf.ServiceName)
}

// consulEndpoint 优先使用 meta 中登记的 endpoint
func consulEndpoint(entry *consulapi.ServiceEntry) string {
	if entry == nil || entry.Service == nil {
		return ""
	}
	if ep, ok := entry.Service.Meta["endpoint"]; ok && ep != "" {
		return ep
	}
	host := entry.Service.Address
	if host == "" && entry.Node != nil {
		host = entry.Node.Address
	}
	if host == "" || entry.Service.Port == 0 {
		return ""
	}
	return fmt.Sprintf("tcp://%s:%d", host, entry.Service.Port)
}

func (cr *consulResolver) Close() error { return nil }
