package channel

import "sync"

// Subscription receives the Updates of one Channel.
//
// Concurrency guarantees:
//   - The actor never blocks on a subscriber: a full queue drops the update and the next
//     delivered update carries Resync=true.
//   - C is closed when the subscription is cancelled or the channel closes.
//   - Cancel is idempotent.
type Subscription struct {
	C <-chan Update

	id     uint64
	ch     chan Update
	owner  *Channel
	resync bool // guarded by owner.subsMu

	cancelOnce sync.Once
}

// Subscribe registers a new subscriber with a bounded queue.
// A subscription on a closed channel is returned already closed.
func (c *Channel) Subscribe() *Subscription {
	ch := make(chan Update, c.cfg.SubscriberSize)
	s := &Subscription{C: ch, ch: ch, owner: c}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	select {
	case <-c.done:
		close(ch)
		return s
	default:
	}

	c.nextSub++
	s.id = c.nextSub
	c.subs[s.id] = s
	return s
}

// Cancel unregisters the subscription and closes C.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.cancelOnce.Do(func() {
		c := s.owner
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if _, ok := c.subs[s.id]; ok {
			delete(c.subs, s.id)
			close(s.ch)
		}
	})
}

func (c *Channel) fanout(u Update) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for _, s := range c.subs {
		out := u
		out.Resync = s.resync
		select {
		case s.ch <- out:
			s.resync = false
		default:
			// Drop rather than stall the actor.
			s.resync = true
			c.cfg.Metrics.subscriberOverflow()
			c.log.Debug("channel.subscriber.overflow", "subscriber", s.id)
		}
	}
}

func (c *Channel) closeSubscriptions() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for id, s := range c.subs {
		delete(c.subs, id)
		close(s.ch)
	}
}
