package timefilter

import (
	"math"
	"testing"
)

func feedSteady(f *Filter, n int, baseOffset, jitter, maxErrorUs float64, stepUs int64) int64 {
	clientUs := int64(0)
	for i := 0; i < n; i++ {
		f.AddMeasurement(baseOffset+jitter, maxErrorUs, clientUs, 20_000)
		clientUs += stepUs
	}
	return clientUs
}

func TestNewFilterNotReady(t *testing.T) {
	f := New()
	if f.IsReady() {
		t.Fatal("freshly constructed filter should not be ready")
	}
	if f.IsConverged() {
		t.Fatal("freshly constructed filter should not be converged")
	}
}

func TestFirstTwoMeasurementsSeedOffsetOnly(t *testing.T) {
	f := New()
	if r := f.AddMeasurement(100_000, 500, 0, 20_000); r != Accepted {
		t.Fatalf("first measurement: got %v, want Accepted", r)
	}
	if f.IsReady() {
		t.Fatal("filter should not be ready after a single measurement")
	}
	if r := f.AddMeasurement(100_500, 500, 250_000, 20_000); r != Accepted {
		t.Fatalf("second measurement: got %v, want Accepted", r)
	}
	if !f.IsReady() {
		t.Fatal("filter should be ready after two measurements")
	}
	stats := f.Snapshot()
	if stats.MeasurementCount != 2 {
		t.Fatalf("measurement count = %d, want 2", stats.MeasurementCount)
	}
}

func TestRejectsNegativeOrStaleRTT(t *testing.T) {
	f := New()
	if r := f.AddMeasurement(100_000, 500, 0, -1); r != Rejected {
		t.Fatalf("negative rtt: got %v, want Rejected", r)
	}
	if r := f.AddMeasurement(100_000, 500, 0, staleRTTUs+1); r != Rejected {
		t.Fatalf("stale rtt: got %v, want Rejected", r)
	}
}

func TestRejectsNonFiniteInputs(t *testing.T) {
	f := New()
	if r := f.AddMeasurement(math.NaN(), 500, 0, 1000); r != Rejected {
		t.Fatalf("NaN offset: got %v, want Rejected", r)
	}
	if r := f.AddMeasurement(100_000, math.Inf(1), 0, 1000); r != Rejected {
		t.Fatalf("Inf max error: got %v, want Rejected", r)
	}
}

// S1: after warmup, a single wild outlier is rejected without perturbing the
// converged estimate.
func TestOutlierRejectionAfterWarmup(t *testing.T) {
	f := New()
	const baseOffset = 50_000.0
	clientUs := feedSteady(f, 30, baseOffset, 0, 200, 250_000)

	if !f.IsConverged() {
		t.Fatalf("expected filter to have converged after 30 steady samples, stats=%+v", f.Snapshot())
	}
	before := f.Snapshot()

	// A wild outlier: 5ms away, far outside any reasonable IQR-based band.
	r := f.AddMeasurement(baseOffset+5_000, 200, clientUs, 20_000)
	if r != Rejected {
		t.Fatalf("expected wild outlier to be rejected, got %v", r)
	}

	after := f.Snapshot()
	if math.Abs(after.OffsetUs-before.OffsetUs) > 1.0 {
		t.Fatalf("outlier rejection should leave offset unchanged: before=%.2f after=%.2f", before.OffsetUs, after.OffsetUs)
	}
}

// TestS1OutlierRejectionLiteralScenario is spec.md §8 S1 verbatim: feed
// offsets [10000, 10050, 9950, 10020, 9980, 500000, 10010] with
// max_error=5000. The sixth AddMeasurement call (the 500000 spike) must be
// Rejected, and the running offset must stay within 1000us of 10000.
func TestS1OutlierRejectionLiteralScenario(t *testing.T) {
	f := New()
	offsets := []float64{10_000, 10_050, 9_950, 10_020, 9_980, 500_000, 10_010}
	const maxErrorUs = 5_000

	var results []Result
	clientUs := int64(0)
	for _, offset := range offsets {
		results = append(results, f.AddMeasurement(offset, maxErrorUs, clientUs, 20_000))
		clientUs += 250_000
	}

	if results[5] != Rejected {
		t.Fatalf("6th measurement (500000us spike): got %v, want Rejected", results[5])
	}

	stats := f.Snapshot()
	if math.Abs(stats.OffsetUs-10_000) > 1_000 {
		t.Fatalf("offset after spike = %.2f, want within 1000us of 10000", stats.OffsetUs)
	}
}

// After three consecutive rejections, the filter force-accepts the next
// measurement rather than wedging forever on a legitimate step change.
func TestForcesAcceptAfterThreeConsecutiveRejections(t *testing.T) {
	f := New()
	const baseOffset = 50_000.0
	clientUs := feedSteady(f, 30, baseOffset, 0, 200, 250_000)

	newOffset := baseOffset + 5_000
	for i := 0; i < 3; i++ {
		r := f.AddMeasurement(newOffset, 200, clientUs, 20_000)
		if r != Rejected {
			t.Fatalf("rejection %d: got %v, want Rejected", i, r)
		}
		clientUs += 250_000
	}
	r := f.AddMeasurement(newOffset, 200, clientUs, 20_000)
	if r != Accepted {
		t.Fatalf("fourth consecutive measurement: got %v, want force-Accepted", r)
	}
}

// S2: Freeze followed by Thaw restores the estimate with inflated covariance
// and clears the innovation window, rather than discarding the estimate
// outright (which would force a full warmup after every reconnect).
func TestFreezeThawRoundTrip(t *testing.T) {
	f := New()
	const baseOffset = 50_000.0
	feedSteady(f, 30, baseOffset, 0, 200, 250_000)

	before := f.Snapshot()
	f.Freeze()
	f.Reset()

	if f.IsReady() {
		t.Fatal("reset should clear readiness")
	}

	f.Thaw()
	if !f.IsReady() {
		t.Fatal("thaw should restore readiness from the snapshot")
	}
	after := f.Snapshot()
	if math.Abs(after.OffsetUs-before.OffsetUs) > 1.0 {
		t.Fatalf("thaw should restore the offset estimate: before=%.2f after=%.2f", before.OffsetUs, after.OffsetUs)
	}
	if after.ErrorStdDevUs <= before.ErrorStdDevUs {
		t.Fatalf("thaw should inflate covariance: before=%.2f after=%.2f", before.ErrorStdDevUs, after.ErrorStdDevUs)
	}
}

func TestThawWithoutFreezeIsNoOp(t *testing.T) {
	f := New()
	f.Thaw()
	if f.IsReady() {
		t.Fatal("thaw without a prior freeze must be a no-op")
	}
}

func TestFreezeBeforeReadyIsNoOp(t *testing.T) {
	f := New()
	f.AddMeasurement(100_000, 500, 0, 20_000)
	f.Freeze() // measurement_count == 1, not ready yet
	f.Reset()
	f.Thaw()
	if f.IsReady() {
		t.Fatal("freeze before readiness should not produce a restorable snapshot")
	}
}

// Invariant: ServerToClient and ClientToServer are exact inverses for any
// static delay, independent of drift (which is deliberately not applied to
// either conversion).
func TestServerClientConversionRoundTrip(t *testing.T) {
	f := New()
	feedSteady(f, 10, 12_345, 0, 200, 250_000)
	f.SetStaticDelay(20_000)

	for _, serverUs := range []int64{0, 1_000_000, 999_999_999, -500_000} {
		clientUs := f.ServerToClient(serverUs)
		roundTrip := f.ClientToServer(clientUs)
		if roundTrip != serverUs {
			t.Fatalf("round trip mismatch for server_us=%d: got %d", serverUs, roundTrip)
		}
	}
}

// Invariant: drift stays within the ±500ppm clamp regardless of how sharp a
// step is fed to the filter.
func TestDriftStaysClamped(t *testing.T) {
	f := New()
	clientUs := int64(0)
	offset := 0.0
	for i := 0; i < 200; i++ {
		offset += 100_000 // absurdly large per-step jump
		f.AddMeasurement(offset, 200, clientUs, 20_000)
		clientUs += 250_000
	}
	stats := f.Snapshot()
	if math.Abs(stats.DriftPPM) > 500.0+1e-6 {
		t.Fatalf("drift exceeded clamp: %.2f ppm", stats.DriftPPM)
	}
}

func TestConvergesWithTightNoise(t *testing.T) {
	f := New()
	feedSteady(f, 60, 10_000, 0, 100, 250_000)
	if !f.IsConverged() {
		t.Fatalf("expected convergence after 60 tight steady-state samples, stats=%+v", f.Snapshot())
	}
}

func TestMedianIQRSymmetric(t *testing.T) {
	samples := []float64{1, 2, 3, 4, 5}
	median, iqr := medianIQR(samples)
	if median != 3 {
		t.Fatalf("median = %v, want 3", median)
	}
	if iqr <= 0 {
		t.Fatalf("iqr = %v, want > 0", iqr)
	}
}
