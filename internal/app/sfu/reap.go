package sfu

import (
	"time"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

// ReapPolicy bounds how long half-open resources may linger. A zero
// timeout disables that check.
type ReapPolicy struct {
	TransportConnectTimeout time.Duration
	ConsumerResumeTimeout   time.Duration
}

func (p ReapPolicy) Enabled() bool {
	return p.TransportConnectTimeout > 0 || p.ConsumerResumeTimeout > 0
}

type ReapResult struct {
	Transports int
	Consumers  int
}

// Reap closes transports never connected and consumers never resumed
// within the policy limits, notifying owners as for engine closures.
func (c *Coordinator) Reap(now time.Time, policy ReapPolicy) ReapResult {
	type victim struct {
		peer *core.Peer
		id   string
	}
	var transports, consumers []victim

	c.mu.RLock()
	if policy.TransportConnectTimeout > 0 {
		for id, o := range c.transports {
			if o.res.State() == domain.TransportNew && now.Sub(o.res.CreatedAt) > policy.TransportConnectTimeout {
				transports = append(transports, victim{o.peer, id})
			}
		}
	}
	if policy.ConsumerResumeTimeout > 0 {
		for id, o := range c.consumers {
			if o.res.Paused() && now.Sub(o.res.CreatedAt) > policy.ConsumerResumeTimeout {
				consumers = append(consumers, victim{o.peer, id})
			}
		}
	}
	c.mu.RUnlock()

	var res ReapResult
	// Expire fails for anything connected or resumed since the snapshot.
	for _, v := range transports {
		if t, ok := v.peer.FindTransport(v.id); ok && t.Expire() {
			c.transportGone(v.peer, v.id, "connect timeout")
			res.Transports++
		}
	}
	for _, v := range consumers {
		if cons, ok := v.peer.Consumer(v.id); ok && cons.Expire() {
			c.consumerGone(v.peer, v.id, "resume timeout")
			res.Consumers++
		}
	}
	return res
}
