package qmux

import (
	"sync"

	"github.com/panjf2000/ants/v2"
)

// wakeDispatcher 在锁外触发唤醒令牌
type wakeDispatcher struct {
	pool   *ants.Pool
	logger Logger
	once   sync.Once
}

func newWakeDispatcher(size int, logger Logger) (*wakeDispatcher, error) {
	d := &wakeDispatcher{logger: logger}
	if size <= 0 {
		return d, nil
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	d.pool = pool
	return d, nil
}

func (d *wakeDispatcher) fire(wakers ...Waker) {
	for _, w := range wakers {
		if w == nil {
			continue
		}
		if d.pool != nil {
			err := d.pool.Submit(w)
			if err == nil {
				continue
			}
			// 池满载或已释放时就地执行
			d.logger.Debugf("qmux: wake pool: %v", err)
		}
		w()
	}
}

func (d *wakeDispatcher) release() {
	if d.pool != nil {
		d.once.Do(d.pool.Release)
	}
}
