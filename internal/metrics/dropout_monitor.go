package metrics

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/medfl/fedavg/common/log"
)

// DropoutMonitor logs when the clients failing over a period cross a
// threshold.
type DropoutMonitor struct {
	lock      sync.RWMutex
	log       log.Logger
	clock     clockwork.Clock
	mode      string
	threshold int
	failed    map[string]bool
	ctx       context.Context
	cancel    func()
	period    time.Duration
}

func NewDropoutMonitor(mode string, l log.Logger, clock clockwork.Clock, threshold int) *DropoutMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &DropoutMonitor{
		log:       l.Named("dropout_monitor"),
		clock:     clock,
		mode:      mode,
		threshold: threshold,
		failed:    make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
		period:    1 * time.Minute,
	}
}

func (t *DropoutMonitor) Start() {
	t.log.Infow("starting dropout monitor", "mode", t.mode)
	ticker := t.clock.NewTicker(t.period)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-t.ctx.Done():
				t.log.Infow("ending dropout monitor", "mode", t.mode)
				return
			case <-ticker.Chan():
				t.check()
			}
		}
	}()
}

// check logs the failures of the elapsed period and starts a new one. It
// returns the failing clients.
func (t *DropoutMonitor) check() []string {
	t.lock.Lock()
	failing := make([]string, 0, len(t.failed))
	for id := range t.failed {
		failing = append(failing, id)
	}
	threshold := t.threshold
	t.failed = make(map[string]bool)
	t.lock.Unlock()
	sort.Strings(failing)

	switch {
	case len(failing) >= threshold:
		t.log.Errorw("failing clients crossed threshold in the last period",
			"mode", t.mode, "threshold", threshold, "failures", len(failing), "clients", strings.Join(failing, ","))
	case len(failing) >= threshold/2 && len(failing) > 0:
		t.log.Warnw("failing clients crossed half threshold in the last period",
			"mode", t.mode, "threshold", threshold, "failures", len(failing), "clients", strings.Join(failing, ","))
	default:
		t.log.Debugw("dropout monitor healthy", "mode", t.mode, "threshold", threshold, "failures", len(failing))
	}
	return failing
}

func (t *DropoutMonitor) Stop() {
	t.cancel()
}

// ReportFailure records that client failed during round.
func (t *DropoutMonitor) ReportFailure(round uint64, client string) {
	t.lock.Lock()
	t.failed[client] = true
	t.lock.Unlock()
	ClientFailures.WithLabelValues(client).Inc()
	t.log.Debugw("client failure", "mode", t.mode, "round", round, "client", client)
}

// UpdateThreshold changes the number of failing clients that is alarming.
func (t *DropoutMonitor) UpdateThreshold(newThreshold int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if newThreshold < 1 {
		newThreshold = 1
	}
	if newThreshold != t.threshold {
		t.log.Debugw("dropout alarm threshold", "mode", t.mode, "from", t.threshold, "to", newThreshold)
	}
	t.threshold = newThreshold
}

func (t *DropoutMonitor) Threshold() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.threshold
}
