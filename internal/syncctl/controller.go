// ABOUTME: Burst-then-steady time-sync scheduler feeding TimeFilter
// ABOUTME: Idle -> Bursting -> Steady state machine, grounded on the teacher's scheduler.go driver loop shape
package syncctl

import (
	"sort"
	"sync"
	"time"

	"github.com/chrisuthe/sendspin-receiver/internal/protocol"
	"github.com/chrisuthe/sendspin-receiver/internal/timefilter"
)

const (
	burstCount       = 10
	burstSpacing     = 50 * time.Millisecond
	burstSettleDelay = 300 * time.Millisecond
	steadySpacing    = 250 * time.Millisecond
	staleRTTUs       = 15_000_000
)

// SendFunc transmits a time-sync request frame carrying clientTransmitUs
// and reports any transport-level failure.
type SendFunc func(clientTransmitUs int64) error

// NowFunc returns the client clock in microseconds; overridable for tests.
type NowFunc func() int64

func defaultNow() int64 { return time.Now().UnixMicro() }

type burstSample struct {
	offsetUs   float64
	maxErrorUs float64
	clientUs   int64
	rttUs      float64
}

// Controller drives the Idle -> Bursting -> Steady state machine described
// in spec.md §4.7.
type Controller struct {
	filter *timefilter.Filter
	now    NowFunc

	mu              sync.Mutex
	running         bool
	burstInProgress bool
	burstBuffer     []burstSample
	sendFn          SendFunc
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// New creates a Controller that feeds measurements into filter.
func New(filter *timefilter.Filter) *Controller {
	return &Controller{filter: filter, now: defaultNow}
}

// Start launches the burst, then steady, driver using sendFn to transmit
// each request. Calling Start while already running is a no-op.
func (c *Controller) Start(sendFn SendFunc) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.burstInProgress = true
	c.burstBuffer = nil
	c.sendFn = sendFn
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.driveLoop()
}

// Stop cancels the driver and clears burst_in_progress so a subsequent
// Start() begins a fresh burst instead of being wedged in a permanent
// collect-only state — a documented prior bug left this flag set across
// restarts.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.burstInProgress = false
	stopCh := c.stopCh
	c.mu.Unlock()

	close(stopCh)
	c.wg.Wait()
}

func (c *Controller) driveLoop() {
	defer c.wg.Done()

	for i := 0; i < burstCount; i++ {
		c.mu.Lock()
		sendFn := c.sendFn
		c.mu.Unlock()
		_ = sendFn(c.now())

		select {
		case <-c.stopCh:
			return
		case <-time.After(burstSpacing):
		}
	}

	select {
	case <-c.stopCh:
		return
	case <-time.After(burstSettleDelay):
	}
	c.flushBurst()

	ticker := time.NewTicker(steadySpacing)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			sendFn := c.sendFn
			c.mu.Unlock()
			_ = sendFn(c.now())
		}
	}
}

func (c *Controller) flushBurst() {
	c.mu.Lock()
	samples := c.burstBuffer
	c.burstBuffer = nil
	c.burstInProgress = false
	c.mu.Unlock()

	// Feed in client_us order even if responses arrived out of order, so
	// the filter sees a monotonically increasing timeline.
	sort.Slice(samples, func(i, j int) bool { return samples[i].clientUs < samples[j].clientUs })
	for _, s := range samples {
		c.filter.AddMeasurement(s.offsetUs, s.maxErrorUs, s.clientUs, s.rttUs)
	}
}

// OnServerTime converts one inbound time-sync response into an NTP-style
// offset/RTT pair, using clientReceivedUs as the local arrival time. During
// a burst, it is buffered and reported "collected"; in steady state it is
// fed directly to the filter unless the RTT looks stale.
func (c *Controller) OnServerTime(resp protocol.TimeSyncResponse, clientReceivedUs int64) string {
	t1 := resp.ClientTransmittedUs
	t2 := resp.ServerReceivedUs
	t3 := resp.ServerTransmittedUs
	t4 := clientReceivedUs

	offsetUs := float64((t2-t1)+(t3-t4)) / 2
	rttUs := float64((t4 - t1) - (t3 - t2))
	maxErrorUs := rttUs / 2
	if maxErrorUs < 0 {
		maxErrorUs = 0
	}

	c.mu.Lock()
	bursting := c.burstInProgress
	if bursting {
		c.burstBuffer = append(c.burstBuffer, burstSample{
			offsetUs: offsetUs, maxErrorUs: maxErrorUs, clientUs: t4, rttUs: rttUs,
		})
	}
	c.mu.Unlock()

	if bursting {
		return "collected"
	}

	if rttUs < 0 || rttUs > staleRTTUs {
		return "dropped"
	}
	c.filter.AddMeasurement(offsetUs, maxErrorUs, t4, rttUs)
	return "fed"
}

// IsBursting reports whether the controller is still in its initial burst.
func (c *Controller) IsBursting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.burstInProgress
}

// IsRunning reports whether Start has been called without a matching Stop.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
