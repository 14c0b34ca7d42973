// Package reporter implements the Autoscaler Reporter: a periodic task
// that POSTs a flattened status snapshot to the autoscaler, retrying on
// failure and resetting per-interval counters on every send attempt
// (success or final failure).
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vast-ai/pyworker/internal/metrics"
)

// tickInterval is the reporter loop's polling cadence.
const tickInterval = time.Second

// keepAliveFloor is how long the reporter waits between sends while the
// model is still loading.
const keepAliveFloor = 10 * time.Second

// cadenceFloor is the maximum gap between sends once the model is
// loaded, even with no pending update.
const cadenceFloor = 10 * time.Second

// sendTimeout bounds each individual POST attempt.
const sendTimeout = time.Second

// sendAttempts and retryBackoff mirror lib/metrics.py's
// `for attempt in range(1, 4): ... time.sleep(2)`.
const (
	sendAttempts = 3
	retryBackoff = 2 * time.Second
)

// Status is the wire shape POSTed to the autoscaler; field names are
// exactly the contract in spec.md §3/§6.
type Status struct {
	ID                  int     `json:"id"`
	LoadTime            float64 `json:"loadtime"`
	CurLoad             float64 `json:"cur_load"`
	ErrorMsg            string  `json:"error_msg"`
	MaxPerf             float64 `json:"max_perf"`
	CurPerf             float64 `json:"cur_perf"`
	CurCapacity         float64 `json:"cur_capacity"`
	MaxCapacity         float64 `json:"max_capacity"`
	NumRequestsWorking  int     `json:"num_requests_working"`
	NumRequestsReceived int     `json:"num_requests_received"`
	AdditionalDisk      float64 `json:"additional_disk_usage"`
	URL                 string  `json:"url"`
}

// Reporter owns the periodic report loop.
type Reporter struct {
	metrics    *metrics.Metrics
	httpClient *http.Client
	reportAddr string

	id  int
	url string

	log zerolog.Logger

	lastSend time.Time
}

// New builds a Reporter. id and url are the node identity fields sent on
// every report (spec.md §6 CONTAINER_ID / the advertised worker URL).
func New(m *metrics.Metrics, httpClient *http.Client, reportAddr string, id int, url string, log zerolog.Logger) *Reporter {
	return &Reporter{
		metrics:    m,
		httpClient: httpClient,
		reportAddr: reportAddr,
		id:         id,
		url:        url,
		log:        log,
		lastSend:   time.Now(),
	}
}

// Run ticks once a second, sending a status report when the cadence
// rules in spec.md §4.5 say to, until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.maybeSend()
		}
	}
}

func (r *Reporter) maybeSend() {
	elapsed := time.Since(r.lastSend)
	loaded := r.metrics.ModelIsLoadedNow()

	shouldSend := (!loaded && elapsed >= keepAliveFloor) ||
		r.metrics.UpdatePending() ||
		elapsed > cadenceFloor

	if !shouldSend {
		return
	}

	snap := r.metrics.SnapshotAndReset(elapsed)
	r.send(snap)
	r.lastSend = time.Now()
}

func (r *Reporter) send(snap metrics.Snapshot) {
	status := Status{
		ID:                  r.id,
		LoadTime:            snap.LoadTime,
		CurLoad:             snap.CurLoad,
		ErrorMsg:            snap.ErrorMsg,
		MaxPerf:             snap.MaxPerf,
		CurPerf:             snap.CurPerf,
		CurCapacity:         0,
		MaxCapacity:         0,
		NumRequestsWorking:  snap.NumRequestsWorking,
		NumRequestsReceived: snap.NumRequestsReceived,
		AdditionalDisk:      snap.AdditionalDiskUsageGB,
		URL:                 r.url,
	}

	body, err := json.Marshal(status)
	if err != nil {
		r.log.Debug().Err(err).Msg("failed to marshal autoscaler status")
		return
	}

	endpoint := r.reportAddr + "/worker_status/"
	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		if err := r.postOnce(endpoint, body); err != nil {
			lastErr = err
			r.log.Debug().Err(err).Int("attempt", attempt).Msg("autoscaler status update failed")
			if attempt < sendAttempts {
				time.Sleep(retryBackoff)
			}
			continue
		}
		return
	}
	r.log.Debug().Err(lastErr).Msg("autoscaler status update exhausted retries, dropping this interval's report")
}

func (r *Reporter) postOnce(endpoint string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("reporter: unexpected status %d", resp.StatusCode)
	}
	return nil
}
