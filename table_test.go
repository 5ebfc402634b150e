package qmux

import (
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
)

type wakeCounter struct {
	n int32
}

func (c *wakeCounter) wake() { atomic.AddInt32(&c.n, 1) }

func (c *wakeCounter) count() int { return int(atomic.LoadInt32(&c.n)) }

var testKey = arenaKey{service: 5, session: 2}

func TestTableRegisterLowestFree(t *testing.T) {
	pt := newPendingTable()
	for want := TransactionID(1); want <= 3; want++ {
		if id := pt.register(testKey); id != want {
			t.Fatalf("register got %d, want %d", id, want)
		}
	}

	// 未取到应答的放弃只是标记，id 不能被复用
	if err := pt.deregister(testKey, 2, false); err != nil {
		t.Fatal(err)
	}
	if id := pt.register(testKey); id != 4 {
		t.Fatalf("discarded id reused too early: got %d", id)
	}

	if _, d := pt.markDelivered(testKey, 2, []byte("late")); d != deliveryAbsorbed {
		t.Fatalf("want absorbed, got %d", d)
	}
	if id := pt.register(testKey); id != 2 {
		t.Fatalf("want freed id 2, got %d", id)
	}
}

func TestTableUniqueness(t *testing.T) {
	pt := newPendingTable()
	rnd := rand.New(rand.NewSource(1))
	live := map[TransactionID]bool{}
	var order []TransactionID

	for i := 0; i < 5000; i++ {
		if len(order) == 0 || rnd.Intn(3) > 0 {
			id := pt.register(testKey)
			if live[id] {
				t.Fatalf("step %d: id %d handed out twice", i, id)
			}
			live[id] = true
			order = append(order, id)
			continue
		}

		j := rnd.Intn(len(order))
		id := order[j]
		order = append(order[:j], order[j+1:]...)
		delete(live, id)
		if rnd.Intn(2) == 0 {
			pt.markDelivered(testKey, id, nil)
			if _, ok, err := pt.takeIfDelivered(testKey, id); !ok || err != nil {
				t.Fatalf("step %d: take %d: ok=%v err=%v", i, id, ok, err)
			}
		} else {
			if err := pt.deregister(testKey, id, false); err != nil {
				t.Fatal(err)
			}
			pt.markDelivered(testKey, id, nil)
		}
	}
	if got := pt.live(testKey); got != len(live) {
		t.Fatalf("live=%d, want %d", got, len(live))
	}
}

func TestTableExactlyOnce(t *testing.T) {
	pt := newPendingTable()
	id := pt.register(testKey)
	var c wakeCounter
	if err := pt.park(testKey, id, c.wake); err != nil {
		t.Fatal(err)
	}

	wake, d := pt.markDelivered(testKey, id, []byte("payload"))
	if d != deliveryRouted || wake == nil {
		t.Fatalf("want routed with waker, got %d", d)
	}
	wake()
	if c.count() != 1 {
		t.Fatalf("woken %d times", c.count())
	}

	payload, ok, err := pt.takeIfDelivered(testKey, id)
	if !ok || err != nil || string(payload) != "payload" {
		t.Fatalf("take: %q ok=%v err=%v", payload, ok, err)
	}
	if _, ok, _ := pt.takeIfDelivered(testKey, id); ok {
		t.Fatal("payload delivered twice")
	}
}

func TestTableAwaitingFirstPoll(t *testing.T) {
	pt := newPendingTable()
	id := pt.register(testKey)
	if _, ok, err := pt.takeIfDelivered(testKey, id); ok || err != nil {
		t.Fatalf("nothing delivered yet: ok=%v err=%v", ok, err)
	}
	wake, d := pt.markDelivered(testKey, id, []byte("x"))
	if d != deliveryRouted || wake != nil {
		t.Fatalf("no waker expected before first poll")
	}
	if _, d := pt.markDelivered(testKey, id, []byte("y")); d != deliveryDuplicate {
		t.Fatalf("want duplicate, got %d", d)
	}
	payload, ok, _ := pt.takeIfDelivered(testKey, id)
	if !ok || string(payload) != "x" {
		t.Fatalf("first payload must win, got %q", payload)
	}
}

func TestTableDiscardAbsorption(t *testing.T) {
	pt := newPendingTable()
	id := pt.register(testKey)
	var c wakeCounter
	pt.park(testKey, id, c.wake)

	if err := pt.deregister(testKey, id, false); err != nil {
		t.Fatal(err)
	}
	wake, d := pt.markDelivered(testKey, id, []byte("late"))
	if wake != nil || d != deliveryAbsorbed {
		t.Fatalf("late response must be absorbed, got %d", d)
	}
	if c.count() != 0 {
		t.Fatal("discarded slot woke its caller")
	}
	if pt.lookup(testKey, id) != nil || pt.outstanding() != 0 {
		t.Fatal("slot not freed")
	}
}

func TestTableDeregisterDelivered(t *testing.T) {
	pt := newPendingTable()
	id := pt.register(testKey)
	pt.markDelivered(testKey, id, []byte("x"))
	if err := pt.deregister(testKey, id, false); err != nil {
		t.Fatal(err)
	}
	if pt.outstanding() != 0 {
		t.Fatal("delivered slot must be freed immediately")
	}
	if err := pt.deregister(testKey, id, false); !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("want ErrUnknownTransaction, got %v", err)
	}
}

func TestTableUnknown(t *testing.T) {
	pt := newPendingTable()
	if _, d := pt.markDelivered(testKey, 1, nil); d != deliveryUnknown {
		t.Fatalf("want unknown, got %d", d)
	}
	pt.register(testKey)
	if _, d := pt.markDelivered(testKey, 0, nil); d != deliveryUnknown {
		t.Fatal("wire transaction 0 never matches")
	}
	if err := pt.park(testKey, 7, func() {}); !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("want ErrUnknownTransaction, got %v", err)
	}
	if _, _, err := pt.takeIfDelivered(arenaKey{service: 1}, 1); !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("want ErrUnknownTransaction, got %v", err)
	}
}

func TestTableFindSuspended(t *testing.T) {
	pt := newPendingTable()
	a := pt.register(testKey)
	b := pt.register(arenaKey{service: 7, session: 1})
	if pt.findAnySuspended() != nil {
		t.Fatal("nothing suspended yet")
	}

	var ca, cb wakeCounter
	pt.park(testKey, a, ca.wake)
	pt.park(arenaKey{service: 7, session: 1}, b, cb.wake)
	pt.deregister(testKey, a, false)

	wake := pt.findAnySuspended()
	if wake == nil {
		t.Fatal("want b's waker")
	}
	wake()
	if cb.count() != 1 || ca.count() != 0 {
		t.Fatalf("wrong waker: a=%d b=%d", ca.count(), cb.count())
	}
	if n := len(pt.suspendedWakers()); n != 1 {
		t.Fatalf("suspended=%d", n)
	}
	if n := pt.purgeDiscarded(); n != 1 {
		t.Fatalf("purged %d", n)
	}
	if pt.outstanding() != 1 {
		t.Fatalf("outstanding=%d", pt.outstanding())
	}
}
