package memcached

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Checks whether a single configured node answers.  Implementations must
// return within the tuning's connect + socket timeouts even when ctx has no
// deadline.
type prober func(ctx context.Context, node int) error

// Tracks which nodes keys may be routed to, and runs the periodic alive
// check.  Every node starts out alive.
type healthTracker struct {
	servers []ServerSpec
	tuning  PoolTuning
	probe   prober
	log     logrus.FieldLogger

	alive []int32 // atomic; 1 when the node may receive keys

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stopChan  chan struct{}
	doneChan  chan struct{}
}

func newHealthTracker(
	servers []ServerSpec,
	tuning PoolTuning,
	probe prober,
	log logrus.FieldLogger) *healthTracker {

	h := &healthTracker{
		servers:  servers,
		tuning:   tuning,
		probe:    probe,
		log:      log,
		alive:    make([]int32, len(servers)),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
	for i := range h.alive {
		h.alive[i] = 1
	}
	return h
}

// usable is handed to the locator.  Without failover every node is usable,
// i.e. keys always go to their primary node.
func (h *healthTracker) usable(node int) bool {
	if !h.tuning.Failover {
		return true
	}
	return atomic.LoadInt32(&h.alive[node]) == 1
}

func (h *healthTracker) isAlive(node int) bool {
	return atomic.LoadInt32(&h.alive[node]) == 1
}

// probeAll probes every node concurrently and returns the per node probe
// errors.  It does not touch the routing state.
func (h *healthTracker) probeAll(ctx context.Context) []error {
	errs := make([]error, len(h.servers))

	var group errgroup.Group
	for i := range h.servers {
		node := i
		group.Go(func() error {
			err := h.probe(ctx, node)
			if err != nil {
				h.log.WithFields(logrus.Fields{
					"server": h.servers[node].Address(),
					"error":  err,
				}).Debug("memcached alive check failed")
			}
			errs[node] = err
			return nil
		})
	}
	_ = group.Wait()

	return errs
}

// check probes every node and updates the routing state.  A probe cut short
// by ctx says nothing about the node, so its state is left unchanged.
func (h *healthTracker) check(ctx context.Context) []bool {
	errs := h.probeAll(ctx)

	up := make([]bool, len(errs))
	known := make([]bool, len(errs))
	for node, err := range errs {
		up[node] = err == nil
		known[node] = err != context.Canceled &&
			err != context.DeadlineExceeded
	}

	h.record(up, known)
	return up
}

func (h *healthTracker) record(up []bool, known []bool) {
	for node, isUp := range up {
		if !known[node] {
			continue
		}
		addr := h.servers[node].Address()
		wasUp := h.isAlive(node)

		switch {
		case wasUp && !isUp:
			atomic.StoreInt32(&h.alive[node], 0)
			nodeDownByAddr.Add(addr, 1)
			h.log.WithField("server", addr).Warn("memcached server is down")
		case !wasUp && isUp && h.tuning.Failback:
			atomic.StoreInt32(&h.alive[node], 1)
			h.log.WithField("server", addr).Info("memcached server is back up")
		}
	}
}

// start launches the maintenance loop.  Calling start more than once has no
// effect.
func (h *healthTracker) start() {
	if !h.tuning.AliveCheck || h.tuning.MaintenanceInterval <= 0 {
		return
	}
	h.startOnce.Do(func() {
		h.started = true
		go h.loop()
	})
}

func (h *healthTracker) loop() {
	defer close(h.doneChan)

	ticker := time.NewTicker(h.tuning.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(
				context.Background(),
				h.tuning.MaintenanceInterval)
			h.check(ctx)
			cancel()
		case <-h.stopChan:
			return
		}
	}
}

// stop terminates the maintenance loop and waits for it to exit.
func (h *healthTracker) stop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
		// Prevents a later start from launching the loop.
		h.startOnce.Do(func() {})
		if h.started {
			<-h.doneChan
		}
	})
}
