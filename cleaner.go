package lb

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"l4lb/flows"
)

type ConnectionCleaner interface {
	CleanLoop(ctx context.Context)
}

// ConnectionCleanerLoop drops flow assignments that have been idle for
// longer than ttl. It only makes sense when the directory stamps entries,
// see flows.WithClock.
type ConnectionCleanerLoop struct {
	ttl      time.Duration
	interval time.Duration
	flows    *flows.Directory
	now      func() uint64
	metrics  *Metrics
}

func NewConnectionCleaner(dir *flows.Directory, ttl time.Duration, now func() uint64, m *Metrics) *ConnectionCleanerLoop {
	return &ConnectionCleanerLoop{
		ttl:      ttl,
		interval: time.Second,
		flows:    dir,
		now:      now,
		metrics:  m,
	}
}

func (cleaner *ConnectionCleanerLoop) CleanLoop(ctx context.Context) {
	ticker := time.NewTicker(cleaner.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleaner.Clean()
		}
	}
}

// Clean runs one expiry pass and returns the number of removed flows.
func (cleaner *ConnectionCleanerLoop) Clean() int {
	monoNow := cleaner.now()
	if monoNow == 0 {
		log.Errorf("failed to get mono time")
		return 0
	}

	ttl := uint64(cleaner.ttl.Nanoseconds())
	if monoNow < ttl {
		return 0
	}

	removed := cleaner.flows.Expire(monoNow - ttl)
	if removed > 0 {
		if cleaner.metrics != nil {
			cleaner.metrics.flowsExpired.Add(float64(removed))
		}
		log.Debugf("removed %d flows, last used > %s ago, %d left", removed, cleaner.ttl, cleaner.flows.Len())
	}
	return removed
}
