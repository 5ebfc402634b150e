package qmux

import (
	"github.com/pkg/errors"
)

// ErrUnknownTransaction 对未注册（或已释放）的事务 id 进行操作，属于调用方误用
var ErrUnknownTransaction = errors.New("qmux: unknown transaction")

type slotState uint8

const (
	awaitingFirstPoll slotState = iota + 1 // 已注册，尚未 poll
	suspended                              // 调用方挂起，持有唤醒令牌
	delivered                              // 应答已缓存，等待取走
	discarded                              // 调用方已放弃，迟到的应答直接丢弃
)

type slot struct {
	state   slotState
	wake    Waker
	payload []byte
}

type arenaKey struct {
	service ServiceID
	session SessionID
}

// arena 同一 (service, session) 下的事务槽位，下标 = 事务 id - 1，nil 表示空闲
type arena struct {
	slots []*slot
	live  int
}

func (a *arena) alloc() TransactionID {
	a.live++
	for i, s := range a.slots {
		if s == nil {
			a.slots[i] = &slot{state: awaitingFirstPoll}
			return TransactionID(i + 1)
		}
	}
	a.slots = append(a.slots, &slot{state: awaitingFirstPoll})
	return TransactionID(len(a.slots))
}

func (a *arena) get(id TransactionID) *slot {
	if id == 0 || int(id) > len(a.slots) {
		return nil
	}
	return a.slots[id-1]
}

func (a *arena) free(id TransactionID) {
	a.slots[id-1] = nil
	a.live--
	n := len(a.slots)
	for n > 0 && a.slots[n-1] == nil {
		n--
	}
	a.slots = a.slots[:n]
}

type delivery uint8

const (
	deliveryRouted    delivery = iota + 1 // 交给了等待者
	deliveryAbsorbed                      // 槽位已放弃，应答被丢弃并释放槽位
	deliveryDuplicate                     // 已有缓存应答，新应答被丢弃
	deliveryUnknown                       // 无匹配槽位
)

// pendingTable 待应答表，只在 Transport 的锁内访问
type pendingTable struct {
	arenas map[arenaKey]*arena
}

func newPendingTable() *pendingTable {
	return &pendingTable{arenas: make(map[arenaKey]*arena)}
}

func (pt *pendingTable) lookup(key arenaKey, id TransactionID) *slot {
	a, ok := pt.arenas[key]
	if !ok {
		return nil
	}
	return a.get(id)
}

func (pt *pendingTable) remove(key arenaKey, id TransactionID) {
	a := pt.arenas[key]
	a.free(id)
	if a.live == 0 {
		delete(pt.arenas, key)
	}
}

// live 某个 arena 中存活的槽位数
func (pt *pendingTable) live(key arenaKey) int {
	if a, ok := pt.arenas[key]; ok {
		return a.live
	}
	return 0
}

// outstanding 所有 arena 存活槽位总数
func (pt *pendingTable) outstanding() int {
	n := 0
	for _, a := range pt.arenas {
		n += a.live
	}
	return n
}

// register 分配最小的空闲事务 id，arena 按需增长
func (pt *pendingTable) register(key arenaKey) TransactionID {
	a, ok := pt.arenas[key]
	if !ok {
		a = &arena{}
		pt.arenas[key] = a
	}
	return a.alloc()
}

// deregister 放弃一个事务。
// 已缓存应答的直接释放；否则标记为 discarded，等迟到的应答被丢弃时再释放。
// closed 为 true 表示通道已关闭，不会再有应答，直接释放。
func (pt *pendingTable) deregister(key arenaKey, id TransactionID, closed bool) error {
	s := pt.lookup(key, id)
	if s == nil {
		return errors.Wrapf(ErrUnknownTransaction, "deregister service=%d session=%d txn=%d", key.service, key.session, id)
	}
	switch {
	case s.state == delivered || closed:
		pt.remove(key, id)
	case s.state != discarded:
		s.state = discarded
		s.wake = nil
	}
	return nil
}

// markDelivered 路由一个应答，返回需要触发的唤醒令牌（可能为 nil）
func (pt *pendingTable) markDelivered(key arenaKey, id TransactionID, payload []byte) (Waker, delivery) {
	s := pt.lookup(key, id)
	if s == nil {
		return nil, deliveryUnknown
	}
	switch s.state {
	case discarded:
		pt.remove(key, id)
		return nil, deliveryAbsorbed
	case delivered:
		return nil, deliveryDuplicate
	}

	wake := s.wake
	s.state = delivered
	s.wake = nil
	s.payload = payload
	return wake, deliveryRouted
}

// takeIfDelivered 已缓存应答时取走并释放槽位
func (pt *pendingTable) takeIfDelivered(key arenaKey, id TransactionID) ([]byte, bool, error) {
	s := pt.lookup(key, id)
	if s == nil || s.state == discarded {
		return nil, false, errors.Wrapf(ErrUnknownTransaction, "take service=%d session=%d txn=%d", key.service, key.session, id)
	}
	if s.state != delivered {
		return nil, false, nil
	}
	payload := s.payload
	pt.remove(key, id)
	return payload, true, nil
}

// park 挂起调用方，只保留最近一次 poll 的令牌
func (pt *pendingTable) park(key arenaKey, id TransactionID, w Waker) error {
	s := pt.lookup(key, id)
	if s == nil || s.state == discarded || s.state == delivered {
		return errors.Wrapf(ErrUnknownTransaction, "park service=%d session=%d txn=%d", key.service, key.session, id)
	}
	s.state = suspended
	s.wake = w
	return nil
}

// findAnySuspended 返回任意一个挂起槽位的令牌
func (pt *pendingTable) findAnySuspended() Waker {
	for _, a := range pt.arenas {
		for _, s := range a.slots {
			if s != nil && s.state == suspended && s.wake != nil {
				return s.wake
			}
		}
	}
	return nil
}

// suspendedWakers 所有挂起槽位的令牌
func (pt *pendingTable) suspendedWakers() []Waker {
	var wakers []Waker
	for _, a := range pt.arenas {
		for _, s := range a.slots {
			if s != nil && s.state == suspended && s.wake != nil {
				wakers = append(wakers, s.wake)
			}
		}
	}
	return wakers
}

// purgeDiscarded 通道关闭后释放所有已放弃的槽位
func (pt *pendingTable) purgeDiscarded() int {
	type ref struct {
		key arenaKey
		id  TransactionID
	}
	var refs []ref
	for key, a := range pt.arenas {
		for i, s := range a.slots {
			if s != nil && s.state == discarded {
				refs = append(refs, ref{key, TransactionID(i + 1)})
			}
		}
	}
	for _, r := range refs {
		pt.remove(r.key, r.id)
	}
	return len(refs)
}
