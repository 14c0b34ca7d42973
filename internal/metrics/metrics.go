// Package metrics implements the in-memory workload accounting model:
// per-request counters driving both the autoscaler status report and the
// local lifecycle state (loading / benchmarking / ready / errored).
package metrics

import (
	"sync"
	"time"
)

// System holds node-level (not per-request) state: load timing, disk
// usage delta, and whether the model has finished loading.
type System struct {
	ModelLoadingStart time.Time
	ModelLoadingTime  *float64 // seconds; nil until set, cleared after first report
	LastDiskUsageGB   float64
	AdditionalDiskGB  float64
	ModelIsLoaded     bool
}

// reset clears the one-shot load-time announcement after it has been
// sent once, per the autoscaler's single-announcement expectation.
func (s *System) reset() {
	s.ModelLoadingTime = nil
}

// Model holds per-request workload counters. The four workload_* fields
// below plus RequestsWorking are reset every time a report is sent,
// whether or not the send succeeds; RequestsReceived and MaxThroughput
// are not.
type Model struct {
	WorkloadPending   float64
	WorkloadReceived  float64
	WorkloadServed    float64
	WorkloadCancelled float64
	WorkloadErrored   float64

	CurPerf       float64
	MaxThroughput float64
	ErrorMsg      string
	HasError      bool

	RequestsReceived map[int64]struct{}
	RequestsWorking  map[int64]struct{}
}

func newModel() Model {
	return Model{
		RequestsReceived: make(map[int64]struct{}),
		RequestsWorking:  make(map[int64]struct{}),
	}
}

// WorkloadProcessing is the derived in-flight workload: received minus
// cancelled, floored at zero.
func (m *Model) WorkloadProcessing() float64 {
	if v := m.WorkloadReceived - m.WorkloadCancelled; v > 0 {
		return v
	}
	return 0
}

// setErrored zeroes all five workload_* counters per spec.md §4.4's event
// table, but leaves RequestsWorking untouched: requests genuinely in
// flight when the model errors stay accounted for until the report-send
// reset (resetVolatile) clears it.
func (m *Model) setErrored(msg string) {
	m.WorkloadPending = 0
	m.WorkloadServed = 0
	m.WorkloadReceived = 0
	m.WorkloadCancelled = 0
	m.WorkloadErrored = 0
	m.ErrorMsg = msg
	m.HasError = true
}

// resetVolatile is the report-send reset (spec.md:51): the four
// workload_{received,served,cancelled,errored} counters plus
// RequestsWorking. workload_pending is deliberately left alone — it
// isn't one of the four and tracks requests still genuinely in flight.
func (m *Model) resetVolatile() {
	m.WorkloadReceived = 0
	m.WorkloadServed = 0
	m.WorkloadCancelled = 0
	m.WorkloadErrored = 0
	m.RequestsWorking = make(map[int64]struct{})
}

// DiskUsageFunc reports current disk usage in GB; overridable in tests.
type DiskUsageFunc func() (float64, error)

// Metrics is the single mutex-protected owner of all workload and system
// counters. Event hooks below are the only way the Request Lifecycle
// Engine and the Log Tailer are allowed to mutate it.
type Metrics struct {
	mu sync.Mutex

	System        System
	Model         Model
	updatePending bool

	diskUsage DiskUsageFunc
}

// New creates Metrics with the clock-derived System/Model defaults and a
// disk-usage probe (nil falls back to a zero-usage stub, useful in tests
// or sandboxes without a real filesystem to measure).
func New(diskUsage DiskUsageFunc) *Metrics {
	m := &Metrics{
		System: System{ModelLoadingStart: now()},
		Model:  newModel(),
	}
	if diskUsage == nil {
		diskUsage = func() (float64, error) { return 0, nil }
	}
	m.diskUsage = diskUsage
	if usage, err := m.diskUsage(); err == nil {
		m.System.LastDiskUsageGB = usage
	}
	return m
}

var now = time.Now

// RequestStart is called prior to forwarding a request to the model API.
func (m *Metrics) RequestStart(workload float64, reqnum int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Model.WorkloadPending += workload
	m.Model.WorkloadReceived += workload
	m.Model.RequestsReceived[reqnum] = struct{}{}
	m.Model.RequestsWorking[reqnum] = struct{}{}
}

// RequestEnd is called after a successful response from the model API.
func (m *Metrics) RequestEnd(workload float64, elapsed time.Duration, reqnum int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Model.WorkloadServed += workload
	m.Model.WorkloadPending -= workload
	delete(m.Model.RequestsWorking, reqnum)
	if elapsed > 0 {
		m.Model.CurPerf = workload / elapsed.Seconds()
	}
	m.updatePending = true
}

// RequestErrored is called when the model API call fails transport-wise.
func (m *Metrics) RequestErrored(workload float64, reqnum int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Model.WorkloadPending -= workload
	m.Model.WorkloadErrored += workload
	delete(m.Model.RequestsWorking, reqnum)
}

// RequestCanceled is called when the client disconnects before the model
// API responds.
func (m *Metrics) RequestCanceled(workload float64, reqnum int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Model.WorkloadPending -= workload
	m.Model.WorkloadCancelled += workload
	delete(m.Model.RequestsWorking, reqnum)
}

// ModelLoaded is called exactly once, by the Log Tailer, on successful
// benchmark completion.
func (m *Metrics) ModelLoaded(maxThroughput float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loadTime := now().Sub(m.System.ModelLoadingStart).Seconds()
	m.System.ModelLoadingTime = &loadTime
	m.System.ModelIsLoaded = true
	m.Model.MaxThroughput = maxThroughput
}

// ModelErrored transitions the node to its terminal errored state. The
// Log Tailer is the sole caller.
func (m *Metrics) ModelErrored(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Model.setErrored(msg)
	m.System.ModelIsLoaded = true
}

// Snapshot is an atomic read of everything the autoscaler report needs,
// taken under the same lock that performs the subsequent reset so the
// two are atomic with respect to each other.
type Snapshot struct {
	LoadTime              float64
	ModelIsLoaded         bool
	CurLoad               float64
	ErrorMsg              string
	MaxPerf               float64
	CurPerf               float64
	NumRequestsWorking    int
	NumRequestsReceived   int
	AdditionalDiskUsageGB float64
}

// SnapshotAndReset computes a Snapshot using elapsed (seconds since the
// last report) for the cur_load denominator, refreshes the disk-usage
// delta, then resets the volatile counters — all under one lock
// acquisition so no request can be double-counted or lost between the
// read and the reset.
func (m *Metrics) SnapshotAndReset(elapsed time.Duration) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if usage, err := m.diskUsage(); err == nil {
		m.System.AdditionalDiskGB = usage - m.System.LastDiskUsageGB
		m.System.LastDiskUsageGB = usage
	}

	elapsedSeconds := elapsed.Seconds()
	var curLoad float64
	if elapsedSeconds > 0 {
		curLoad = m.Model.WorkloadProcessing() / elapsedSeconds
	}

	var loadTime float64
	if m.System.ModelLoadingTime != nil {
		loadTime = *m.System.ModelLoadingTime
	}

	snap := Snapshot{
		LoadTime:              loadTime,
		ModelIsLoaded:         m.System.ModelIsLoaded,
		CurLoad:               curLoad,
		ErrorMsg:              m.Model.ErrorMsg,
		MaxPerf:               m.Model.MaxThroughput,
		CurPerf:               m.Model.CurPerf,
		NumRequestsWorking:    len(m.Model.RequestsWorking),
		NumRequestsReceived:   len(m.Model.RequestsReceived),
		AdditionalDiskUsageGB: m.System.AdditionalDiskGB,
	}

	m.Model.resetVolatile()
	m.System.reset()
	m.updatePending = false

	return snap
}

// ModelIsLoadedNow reports the current loaded/errored-terminal state
// without taking a full snapshot, used by the reporter's keep-alive
// cadence rule.
func (m *Metrics) ModelIsLoadedNow() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.System.ModelIsLoaded
}

// UpdatePending reports whether a request has been served successfully
// (RequestEnd) since the last report was sent, used by the reporter's
// cadence-floor rule. Errored and cancelled requests do not set it.
func (m *Metrics) UpdatePending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updatePending
}
