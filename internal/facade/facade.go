// ABOUTME: Thin observable view of playback/connection state and sync stats for the host UI
// ABOUTME: Forwards transport-control commands to CommandTransport; see spec.md §2's facade row
package facade

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chrisuthe/sendspin-receiver/internal/command"
	"github.com/chrisuthe/sendspin-receiver/internal/playback"
	"github.com/chrisuthe/sendspin-receiver/internal/protocol"
	"github.com/chrisuthe/sendspin-receiver/internal/supervisor"
	"github.com/chrisuthe/sendspin-receiver/internal/timefilter"
)

// SyncStats is the observable derived view spec.md §3 describes: offset,
// drift, error stddev, convergence, measurement count, queue depth and
// playback correction counters in one snapshot.
type SyncStats struct {
	OffsetUs          float64
	DriftPPM          float64
	ErrorStdDevUs     float64
	Converged         bool
	MeasurementCount  int
	QueuedMs          float64
	BufferUnderruns   int64
	FramesInserted    int64
	FramesDropped     int64
	Reanchors         int64
	AdaptiveQScale    float64
}

// PlaybackSnapshot bundles everything the host UI renders about the
// current stream in one read.
type PlaybackSnapshot struct {
	ConnectionState supervisor.State
	PlaybackState   playback.State
	Metadata        protocol.StreamMetadata
	Sync            SyncStats
	LastError       error
}

// StateListener is invoked whenever any field of PlaybackSnapshot changes.
type StateListener func(PlaybackSnapshot)

// Facade is the external-facing surface: a single observable
// PlaybackSnapshot, plus transport-control verbs that forward to a
// command.Transport. It does not own reconnection policy (that is the
// Supervisor's job) — it only reflects state and relays commands.
type Facade struct {
	cmd    *command.Transport
	filter *timefilter.Filter
	engine *playback.Engine

	mu       sync.RWMutex
	snapshot PlaybackSnapshot
	listener StateListener
}

// New builds a Facade wired to the given CommandTransport, TimeFilter, and
// PlaybackEngine. filter and engine may be nil before a stream has started;
// Snapshot degrades gracefully in that case.
func New(cmd *command.Transport, filter *timefilter.Filter, engine *playback.Engine) *Facade {
	return &Facade{cmd: cmd, filter: filter, engine: engine}
}

// Rebind swaps the CommandTransport the facade forwards commands to,
// called by the host after each reconnect since a fresh CommandTransport
// is created per connection while the Facade itself outlives reconnects.
func (f *Facade) Rebind(cmd *command.Transport) {
	f.mu.Lock()
	f.cmd = cmd
	f.mu.Unlock()
}

// BindStream installs the TimeFilter and PlaybackEngine for a freshly
// started stream, called once stream_start has been negotiated.
func (f *Facade) BindStream(filter *timefilter.Filter, engine *playback.Engine) {
	f.mu.Lock()
	f.filter = filter
	f.engine = engine
	f.mu.Unlock()
}

// SetStateListener installs cb to be notified on every snapshot change.
func (f *Facade) SetStateListener(cb StateListener) {
	f.mu.Lock()
	f.listener = cb
	f.mu.Unlock()
}

// SetConnectionState updates the observable connection state, called by
// whatever owns the Supervisor's StateListener.
func (f *Facade) SetConnectionState(s supervisor.State) {
	f.mu.Lock()
	f.snapshot.ConnectionState = s
	snap := f.snapshot
	listener := f.listener
	f.mu.Unlock()
	if listener != nil {
		listener(snap)
	}
}

// SetMetadata updates the now-playing metadata, called when a server-push
// event carries a StreamMetadata payload.
func (f *Facade) SetMetadata(m protocol.StreamMetadata) {
	f.mu.Lock()
	f.snapshot.Metadata = m
	snap := f.snapshot
	listener := f.listener
	f.mu.Unlock()
	if listener != nil {
		listener(snap)
	}
}

// SetLastError records the most recent error surfaced to the UI.
func (f *Facade) SetLastError(err error) {
	f.mu.Lock()
	f.snapshot.LastError = err
	snap := f.snapshot
	listener := f.listener
	f.mu.Unlock()
	if listener != nil {
		listener(snap)
	}
}

// Refresh recomputes the sync/playback portion of the snapshot from the
// live TimeFilter and PlaybackEngine and notifies the listener. Call this
// on a slow periodic tick (e.g. once a second) from the host.
func (f *Facade) Refresh() PlaybackSnapshot {
	var stats timefilter.Stats
	if f.filter != nil {
		stats = f.filter.Snapshot()
	}

	var pbState playback.State
	var counters playback.Counters
	var queuedMs float64
	if f.engine != nil {
		pbState = f.engine.State()
		counters = f.engine.Counters()
		queuedMs = f.engine.QueuedMs()
	}

	f.mu.Lock()
	f.snapshot.PlaybackState = pbState
	f.snapshot.Sync = SyncStats{
		OffsetUs:         stats.OffsetUs,
		DriftPPM:         stats.DriftPPM,
		ErrorStdDevUs:    stats.ErrorStdDevUs,
		Converged:        stats.Converged,
		MeasurementCount: stats.MeasurementCount,
		QueuedMs:         queuedMs,
		BufferUnderruns:  counters.BufferUnderrunCount,
		FramesInserted:   counters.FramesInserted,
		FramesDropped:    counters.FramesDropped,
		Reanchors:        counters.ReanchorCount,
		AdaptiveQScale:   stats.AdaptiveQScale,
	}
	snap := f.snapshot
	listener := f.listener
	f.mu.Unlock()
	if listener != nil {
		listener(snap)
	}
	return snap
}

// Snapshot returns the most recently computed PlaybackSnapshot without
// recomputing sync stats.
func (f *Facade) Snapshot() PlaybackSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshot
}

// transportCommand marshals args and forwards name to CommandTransport.
func (f *Facade) transportCommand(ctx context.Context, name string, args interface{}) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("facade: marshaling %s args: %w", name, err)
	}
	_, err = f.cmd.SendCommand(ctx, name, raw, command.DefaultTimeout)
	return err
}

// Play forwards a transport-control "play" command.
func (f *Facade) Play(ctx context.Context) error { return f.transportCommand(ctx, "play", struct{}{}) }

// Pause forwards a transport-control "pause" command.
func (f *Facade) Pause(ctx context.Context) error {
	return f.transportCommand(ctx, "pause", struct{}{})
}

// Next forwards a transport-control "next" command.
func (f *Facade) Next(ctx context.Context) error { return f.transportCommand(ctx, "next", struct{}{}) }

// Previous forwards a transport-control "previous" command.
func (f *Facade) Previous(ctx context.Context) error {
	return f.transportCommand(ctx, "previous", struct{}{})
}

// SetVolume forwards a transport-control volume change, 0-100.
func (f *Facade) SetVolume(ctx context.Context, volume int) error {
	return f.transportCommand(ctx, "volume", protocol.PlayerCommand{Command: "volume", Volume: volume})
}

// SetMuted forwards a transport-control mute toggle.
func (f *Facade) SetMuted(ctx context.Context, muted bool) error {
	return f.transportCommand(ctx, "mute", protocol.PlayerCommand{Command: "mute", Mute: muted})
}

// Search is one of the opaque command-name pass-throughs supplemented in
// SPEC_FULL.md §4.6: the facade does not interpret args or the result, it
// only relays the named command to the music server.
func (f *Facade) Search(ctx context.Context, query string) (json.RawMessage, error) {
	args, _ := json.Marshal(struct {
		Query string `json:"query"`
	}{Query: query})
	return f.cmd.SendCommand(ctx, "search", args, command.DefaultTimeout)
}

// Browse relays an opaque "browse" command.
func (f *Facade) Browse(ctx context.Context, path string) (json.RawMessage, error) {
	args, _ := json.Marshal(struct {
		Path string `json:"path"`
	}{Path: path})
	return f.cmd.SendCommand(ctx, "browse", args, command.DefaultTimeout)
}

// QueueAdd relays an opaque "queue/add" command.
func (f *Facade) QueueAdd(ctx context.Context, itemID string) (json.RawMessage, error) {
	args, _ := json.Marshal(struct {
		ItemID string `json:"item_id"`
	}{ItemID: itemID})
	return f.cmd.SendCommand(ctx, "queue/add", args, command.DefaultTimeout)
}

// QueueRemove relays an opaque "queue/remove" command.
func (f *Facade) QueueRemove(ctx context.Context, itemID string) (json.RawMessage, error) {
	args, _ := json.Marshal(struct {
		ItemID string `json:"item_id"`
	}{ItemID: itemID})
	return f.cmd.SendCommand(ctx, "queue/remove", args, command.DefaultTimeout)
}

// QueueList relays an opaque "queue/list" command.
func (f *Facade) QueueList(ctx context.Context) (json.RawMessage, error) {
	return f.cmd.SendCommand(ctx, "queue/list", nil, command.DefaultTimeout)
}

// PlayerList relays an opaque "player/list" command, used to populate the
// speaker-group picker the host UI presents (out of core, per spec.md §1).
func (f *Facade) PlayerList(ctx context.Context) (json.RawMessage, error) {
	return f.cmd.SendCommand(ctx, "player/list", nil, command.DefaultTimeout)
}
