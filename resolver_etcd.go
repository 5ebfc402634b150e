package qmux

import (
	"context"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type etcdResolver struct {
	prefix string
	cnf    *ResolverConfig
	client *clientv3.Client
}

// NewEtcdResolver 从 etcd 前缀 {ServicePrefix}/{ServiceName}/{nodeid} 下查找服务
func NewEtcdResolver(cnf *ResolverConfig) (Resolver, error) {
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   cnf.Registries,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "qmux: etcd client")
	}
	if cnf.Logger == nil {
		cnf.Logger = NewLogger()
	}

	return &etcdResolver{
		prefix: cnf.key(),
		cnf:    cnf,
		client: etcdClient,
	}, nil
}

func (er *etcdResolver) Resolve(ctx context.Context) (string, error) {
	result, err := er.client.Get(ctx, er.prefix, clientv3.WithPrefix())
	if err != nil {
		return "", errors.Wrapf(err, "qmux: etcd resolve %s", er.prefix)
	}

	for _, kv := range result.Kvs {
		_, nodeid := splitKey(string(kv.Key))
		ep, err := parseEndpoint(kv.Value)
		if err != nil {
			er.cnf.Logger.Warnf("qmux: etcd node %s: %v", nodeid, err)
			continue
		}
		er.cnf.Logger.Debugf("qmux: etcd resolve %s -> %s (node %s)", er.prefix, ep.Endpoint, nodeid)
		return ep.Endpoint, nil
	}
	return "", errors.Wrapf(ErrNoEndpoint, "etcd prefix %s", er.prefix)
}

func (er *etcdResolver) Close() error {
	return er.client.Close()
}
