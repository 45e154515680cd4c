// Package report carries finished samples away from the session loop and
// toward the manager. The loop must never block on a reporter, so the
// channel reporter drops (and counts) when its buffer is full.
package report

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/GBert/SLANG/pkg/session"
	"github.com/GBert/SLANG/pkg/stats"
)

// Channel buffers samples between the session loop and a consumer.
type Channel struct {
	ch      chan session.Sample
	dropped atomic.Uint64
}

func NewChannel(size int) *Channel {
	return &Channel{ch: make(chan session.Sample, size)}
}

// Submit never blocks; a full buffer costs the sample, not the loop.
func (c *Channel) Submit(s session.Sample) {
	select {
	case c.ch <- s:
	default:
		c.dropped.Add(1)
	}
}

func (c *Channel) Samples() <-chan session.Sample {
	return c.ch
}

func (c *Channel) Dropped() uint64 {
	return c.dropped.Load()
}

// Close ends the stream for consumers. Call only after the session loop
// has stopped submitting.
func (c *Channel) Close() {
	close(c.ch)
}

// Summarize consumes a sample stream and logs running delay figures until
// the stream closes: round trip and the forward/return split, with
// loss/incomplete counts. Spread-based rejection keeps one wild sample
// from dragging the window once it is full.
func Summarize(ch <-chan session.Sample, maxSamples int, maxSpread float64) {
	rtt := stats.New[time.Duration](maxSamples, maxSpread)
	diff := stats.New[time.Duration](maxSamples, maxSpread)

	var complete, incomplete, degraded uint64
	for s := range ch {
		if !s.Complete {
			incomplete++
			log.Debugf("peer %s seq %d incomplete", s.Peer, s.Seq)
			continue
		}
		complete++

		forward := s.ForwardDelay()
		back := s.ReturnDelay()
		if forward == 0 || back == 0 {
			// Completed round with an unavailable timestamp slot.
			degraded++
			continue
		}
		rtt.Add(forward + back)
		diff.Add((back - forward) / 2)

		log.WithFields(log.Fields{
			"peer":       s.Peer,
			"seq":        s.Seq,
			"complete":   complete,
			"incomplete": incomplete,
			"degraded":   degraded,
			"rtt_mean":   rtt.Mean(),
			"rtt_sd":     rtt.StdDev(),
			"diff_mean":  diff.Mean(),
			"diff_sd":    diff.StdDev(),
		}).Info("sample")
	}
}
