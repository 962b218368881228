package tcp

import "golang.org/x/time/rate"

// newPacer returns the shared limiter that smooths how often a read-paused
// peer is re-evaluated for resumption, so a queue oscillating right at the
// watermark doesn't turn into an epoll_ctl MOD storm. One loop, one limiter:
// the engine is single-threaded, so sharing it across flows needs no lock.
func newPacer() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(200), 4)
}

// overWatermark reports whether queue's buffered bytes are at or above the
// configured high watermark.
func (p *Proxy) overWatermark(queue *Peer) bool {
	watermark := p.Config.Limits.MaxQueueBytes
	if watermark <= 0 {
		return false
	}
	return queue.OutboundBytes >= watermark
}

// pauseReadsIfCongested drops producerFD's read-interest when dst's outbound
// queue has crossed the watermark, so a fast reader paired with a slow
// writer stops growing dst's queue without bound.
func (p *Proxy) pauseReadsIfCongested(producer *Peer, producerFD int, dst *Peer) {
	if producer.ReadPaused || !p.overWatermark(dst) {
		return
	}
	producer.ReadPaused = true
	p.updateSubscription(producerFD, producer)
	p.Logger.Debugw("read paused: opposite queue over watermark",
		"fd", producerFD, "queueBytes", dst.OutboundBytes)
}

// resumeReadsIfDrained restores producerFD's read-interest once dst's queue
// has drained back under the watermark, rate-limited to avoid thrashing.
func (p *Proxy) resumeReadsIfDrained(producer *Peer, producerFD int, dst *Peer) {
	if !producer.ReadPaused || p.overWatermark(dst) {
		return
	}
	if !p.pacer.Allow() {
		return
	}
	producer.ReadPaused = false
	p.updateSubscription(producerFD, producer)
	p.Logger.Debugw("read resumed: opposite queue drained", "fd", producerFD)
}
