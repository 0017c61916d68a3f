// ABOUTME: 2-state Kalman filter reconciling server and client clocks
// ABOUTME: Tracks offset and drift with outlier rejection, adaptive process noise, freeze/thaw
package timefilter

import (
	"log"
	"math"
	"sync"
)

// Result is the outcome of feeding one measurement to the filter.
type Result int

const (
	Accepted Result = iota
	Rejected
)

const (
	driftClamp            = 5e-4  // ±500 ppm, spec.md §3 invariant
	initialDriftVariance   = 1e-8 // (100 ppm)^2
	forgettingMultiplier   = 1.001 * 1.001
	warmupMeasurementCount = 20
	warmupErrorUs          = 15_000 // 15ms, microseconds
	warmupForceCount       = 100
	readyMeasurementCount  = 2
	convergedMeasurementCount = 5
	convergedErrorUs       = 10_000 // 10ms in microseconds
	recentOffsetsLen       = 10
	innovationWindowLen    = 20
	staleRTTUs             = 15_000_000 // 15s
)

// Filter is the Kalman time-offset/drift estimator described in spec.md §4.1.
// It never panics or returns an error: failures are absorbed as Rejected or
// as a silent no-op, matching the fail-soft contract.
type Filter struct {
	mu sync.RWMutex

	offsetUs float64 // server_us - client_us, smoothed estimate
	drift    float64 // server clock rate relative to client clock, dimensionless

	// p is the 2x2 state covariance: [[p00, p01], [p10, p11]]
	p00, p01, p10, p11 float64

	measurementCount int
	lastUpdateUs     int64
	baselineClientUs int64
	staticDelayUs    int64

	recentOffsets    [recentOffsetsLen]float64
	recentOffsetCount int
	recentOffsetsIdx int

	innovationWindow    [innovationWindowLen]float64
	innovationCount int
	innovationWindowIdx int
	adaptiveQ           float64

	consecutiveRejections int
	warmupComplete        bool

	snapshot     *snapshotState
}

type snapshotState struct {
	offsetUs, drift              float64
	p00, p01, p10, p11           float64
	measurementCount             int
	lastUpdateUs, baselineClientUs int64
}

// New creates a Filter in its zeroed, not-ready state.
func New() *Filter {
	f := &Filter{}
	f.reset()
	return f
}

// Reset zeroes all state. measurement_count becomes 0 and p[0,0] becomes +Inf.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset()
}

func (f *Filter) reset() {
	f.offsetUs = 0
	f.drift = 0
	f.p00 = math.Inf(1)
	f.p01, f.p10, f.p11 = 0, 0, 0
	f.measurementCount = 0
	f.lastUpdateUs = 0
	f.baselineClientUs = 0
	f.recentOffsetCount = 0
	f.recentOffsetsIdx = 0
	f.innovationCount = 0
	f.innovationWindowIdx = 0
	f.adaptiveQ = 100
	f.consecutiveRejections = 0
	f.warmupComplete = false
	// staticDelayUs intentionally survives reset: it is a live calibration
	// knob set via SetStaticDelay, not part of the estimator state.
}

// SetStaticDelay sets the user-configurable speaker-group delay added when
// converting server time to client time. Not persisted across reconnects
// (see DESIGN.md Open Question resolutions).
func (f *Filter) SetStaticDelay(us int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staticDelayUs = us
}

// AddMeasurement feeds one time-sync measurement into the filter. It never
// panics; arithmetic failures or stale/outlier measurements are reported as
// Rejected and leave state unchanged.
func (f *Filter) AddMeasurement(offsetUs, maxErrorUs float64, clientUs int64, rttUs float64) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isFinite(offsetUs) || !isFinite(maxErrorUs) || !isFinite(rttUs) {
		return Rejected
	}
	if rttUs < 0 || rttUs > staleRTTUs {
		return Rejected
	}
	variance := maxErrorUs * maxErrorUs

	switch f.measurementCount {
	case 0:
		f.offsetUs = offsetUs
		f.p00 = variance
		f.p11 = 0
		f.drift = 0
		f.baselineClientUs = clientUs
		f.lastUpdateUs = clientUs
		f.measurementCount = 1
		f.pushRecentOffset(offsetUs)
		return Accepted

	case 1:
		// Update offset only; drift stays 0 per spec.md §4.1 step 2 — the
		// first two points are too noisy to derive a rate from.
		f.offsetUs = offsetUs
		f.p11 = initialDriftVariance
		f.lastUpdateUs = clientUs
		f.measurementCount = 2
		f.pushRecentOffset(offsetUs)
		return Accepted

	default:
		return f.addSteadyState(offsetUs, variance, clientUs)
	}
}

func (f *Filter) addSteadyState(offsetUs, variance float64, clientUs int64) Result {
	skipOutlierFilter := f.measurementCount < 5 // until five are accepted: the first three steady-state samples
	forceAccept := f.consecutiveRejections >= 3

	if !skipOutlierFilter && !forceAccept {
		if !f.passesOutlierFilter(offsetUs, variance) {
			f.consecutiveRejections++
			return Rejected
		}
	}

	// dt stays in microseconds throughout, matching drift's µs/µs unit
	// (glossary: "drift ... in units of µs per µs") so that drift·dt is
	// directly a µs offset change with no unit conversion anywhere below.
	dt := float64(clientUs - f.lastUpdateUs)
	if dt < 0 {
		// Out-of-order measurement; reject rather than letting dt go negative.
		f.consecutiveRejections++
		return Rejected
	}

	// Predict.
	offsetPred := f.offsetUs + f.drift*dt
	qAdaptive := f.adaptiveQ
	predP00 := f.p00 + 2*dt*f.p01 + dt*dt*f.p11 + qAdaptive*dt
	predP01 := f.p01 + dt*f.p11
	predP10 := f.p10 + dt*f.p11
	predP11 := f.p11

	// Innovation.
	y := offsetUs - offsetPred
	if !isFinite(y) {
		return Rejected
	}

	// Adaptive forgetting, only once warmup has completed.
	if f.warmupComplete && math.Abs(y) > 0.75*math.Sqrt(variance) {
		predP00 *= forgettingMultiplier
		predP01 *= forgettingMultiplier
		predP10 *= forgettingMultiplier
		predP11 *= forgettingMultiplier
	}

	// Update.
	s := predP00 + variance
	if s <= 0 || !isFinite(s) {
		return Rejected
	}
	k0 := predP00 / s
	k1 := predP10 / s

	newOffset := f.offsetUs + k0*y
	newDrift := f.drift + k1*y
	newDrift = clamp(newDrift, -driftClamp, driftClamp)

	// p := (I - K H) p_pred, H = [1, 0]
	newP00 := (1 - k0) * predP00
	newP01 := (1 - k0) * predP01
	newP10 := predP10 - k1*predP00
	newP11 := predP11 - k1*predP01

	if !isFinite(newOffset) || !isFinite(newDrift) || !isFinite(newP00) || !isFinite(newP11) {
		return Rejected
	}

	f.offsetUs = newOffset
	f.drift = newDrift
	f.p00, f.p01, f.p10, f.p11 = newP00, newP01, newP10, newP11
	f.lastUpdateUs = clientUs
	f.measurementCount++
	f.consecutiveRejections = 0
	f.pushRecentOffset(offsetUs)

	ratio := (y * y) / (predP00 + variance)
	f.pushInnovation(ratio)
	f.updateAdaptiveQ()
	f.updateWarmup()

	return Accepted
}

func (f *Filter) passesOutlierFilter(offsetUs, variance float64) bool {
	if f.recentOffsetCount == 0 {
		return true
	}
	samples := make([]float64, f.recentOffsetCount)
	copy(samples, f.recentOffsets[:f.recentOffsetCount])
	median, iqr := medianIQR(samples)
	maxError := math.Sqrt(variance)
	threshold := math.Max(3*iqr, maxError)
	return math.Abs(offsetUs-median) <= threshold
}

func (f *Filter) pushRecentOffset(v float64) {
	f.recentOffsets[f.recentOffsetsIdx] = v
	f.recentOffsetsIdx = (f.recentOffsetsIdx + 1) % recentOffsetsLen
	if f.recentOffsetCount < recentOffsetsLen {
		f.recentOffsetCount++
	}
}

func (f *Filter) pushInnovation(v float64) {
	if !isFinite(v) {
		v = 1
	}
	f.innovationWindow[f.innovationWindowIdx] = v
	f.innovationWindowIdx = (f.innovationWindowIdx + 1) % innovationWindowLen
	if f.innovationCount < innovationWindowLen {
		f.innovationCount++
	}
}

func (f *Filter) updateAdaptiveQ() {
	if f.innovationCount == 0 {
		f.adaptiveQ = 100
		return
	}
	sum := 0.0
	for i := 0; i < f.innovationCount; i++ {
		sum += f.innovationWindow[i]
	}
	mean := sum / float64(f.innovationCount)
	f.adaptiveQ = 100 * clamp(mean, 0.5, 5.0)
}

func (f *Filter) updateWarmup() {
	if f.warmupComplete {
		return
	}
	if f.measurementCount >= warmupForceCount {
		f.warmupComplete = true
		return
	}
	if f.measurementCount >= warmupMeasurementCount && math.Sqrt(f.p00) < warmupErrorUs {
		f.warmupComplete = true
	}
}

// Freeze snapshots state if the filter is ready; no-op otherwise.
func (f *Filter) Freeze() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isReadyLocked() {
		return
	}
	f.snapshot = &snapshotState{
		offsetUs: f.offsetUs, drift: f.drift,
		p00: f.p00, p01: f.p01, p10: f.p10, p11: f.p11,
		measurementCount: f.measurementCount,
		lastUpdateUs:     f.lastUpdateUs,
		baselineClientUs: f.baselineClientUs,
	}
}

// Thaw restores the last snapshot with inflated covariance (diagonals x10,
// off-diagonals x3), clears the innovation window, then drops the snapshot.
// No-op if nothing was frozen.
func (f *Filter) Thaw() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshot == nil {
		return
	}
	s := f.snapshot
	f.offsetUs = s.offsetUs
	f.drift = s.drift
	f.p00 = s.p00 * 10
	f.p11 = s.p11 * 10
	f.p01 = s.p01 * 3
	f.p10 = s.p10 * 3
	f.measurementCount = s.measurementCount
	f.lastUpdateUs = s.lastUpdateUs
	f.baselineClientUs = s.baselineClientUs
	f.innovationCount = 0
	f.innovationWindowIdx = 0
	f.snapshot = nil
	log.Printf("timefilter: thawed, offset=%.0fus p00=%.1f", f.offsetUs, f.p00)
}

// ServerToClient converts a server-clock timestamp to client-clock time.
// Conversion is offset-only (drift is tracked but deliberately not applied
// here — see spec.md §4.8 and §9; reintroducing drift here would oscillate
// the playback correction loop).
func (f *Filter) ServerToClient(serverUs int64) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return serverUs - int64(f.offsetUs) + f.staticDelayUs
}

// ClientToServer is the exact inverse of ServerToClient (bit-equal
// round-trip per spec.md §8 invariant 4).
func (f *Filter) ClientToServer(clientUs int64) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return clientUs + int64(f.offsetUs) - f.staticDelayUs
}

// IsReady reports whether the filter has enough samples to convert times.
func (f *Filter) IsReady() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.isReadyLocked()
}

func (f *Filter) isReadyLocked() bool {
	return f.measurementCount >= readyMeasurementCount && isFinite(f.p00)
}

// IsConverged reports whether the filter has a tight, trustworthy estimate.
func (f *Filter) IsConverged() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.measurementCount >= convergedMeasurementCount && isFinite(f.p00) && math.Sqrt(f.p00) < convergedErrorUs
}

// Stats is a point-in-time snapshot for observability (SyncStats in spec.md §3).
type Stats struct {
	OffsetUs         float64
	DriftPPM         float64
	ErrorStdDevUs    float64
	Converged        bool
	MeasurementCount int
	AdaptiveQScale   float64
}

// Snapshot returns current estimator statistics.
func (f *Filter) Snapshot() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	errStd := math.NaN()
	if isFinite(f.p00) && f.p00 >= 0 {
		errStd = math.Sqrt(f.p00)
	}
	return Stats{
		OffsetUs:         f.offsetUs,
		DriftPPM:         f.drift * 1e6,
		ErrorStdDevUs:    errStd,
		Converged:        f.measurementCount >= convergedMeasurementCount && isFinite(f.p00) && errStd < convergedErrorUs,
		MeasurementCount: f.measurementCount,
		AdaptiveQScale:   f.adaptiveQ / 100,
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// medianIQR computes the median and interquartile range of samples,
// mutating the slice in place (callers pass a private copy).
func medianIQR(samples []float64) (median, iqr float64) {
	sortFloats(samples)
	n := len(samples)
	median = percentile(samples, 0.5)
	q1 := percentile(samples, 0.25)
	q3 := percentile(samples, 0.75)
	_ = n
	return median, q3 - q1
}

func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	idx := p * float64(n-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func sortFloats(s []float64) {
	// Small fixed-size (<=10) insertion sort; avoids importing sort for a
	// handful of elements on the filter's hot path.
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}
