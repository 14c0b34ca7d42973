// Package logtail implements the log-tailing lifecycle state machine:
// it waits for the model server's log file to appear, follows it
// line-by-line forever, and drives Loading -> Benchmarking -> Ready |
// Errored transitions off configured substring matches.
package logtail

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Action classifies what a matched log line means to the state machine.
type Action int

const (
	// ActionModelLoaded marks the model server as having finished
	// loading; triggers the one-shot benchmark.
	ActionModelLoaded Action = iota
	// ActionModelError marks the node terminally errored.
	ActionModelError
	// ActionInfo just echoes the line to the local debug log.
	ActionInfo
)

// Rule pairs an Action with the substring that triggers it. Rules are
// evaluated in list order per line; the first ModelError match wins and
// stops evaluation for that line.
type Rule struct {
	Action    Action
	Substring string
}

// postLoadSleep is how long the tailer waits after a ModelLoaded match
// before invoking the benchmark, giving the model server time to bind.
// A var, not a const, so tests can shrink it.
var postLoadSleep = 5 * time.Second

// eofPollInterval is the idle backoff used when a read hits EOF; the
// file is never closed and reopened, only re-read from the same offset.
const eofPollInterval = 100 * time.Millisecond

// fileWaitInterval is the floor re-check cadence while the log file does
// not yet exist; fsnotify typically delivers the creation event faster,
// this is the fallback in case the event is missed (e.g. the watch is
// established after creation races with it, or the directory itself
// does not exist yet).
const fileWaitInterval = time.Second

// Benchmarker runs the first-load throughput measurement.
type Benchmarker interface {
	Run() (float64, error)
}

// ModelStateSink receives the two lifecycle terminal calls the tailer is
// the sole caller of.
type ModelStateSink interface {
	ModelLoaded(maxThroughput float64)
	ModelErrored(msg string)
}

// Tailer follows model_log_file forever, applying rules to each line.
type Tailer struct {
	path        string
	rules       []Rule
	benchmarker Benchmarker
	metrics     ModelStateSink
	log         zerolog.Logger

	benchmarked bool
	errored     bool
}

// New builds a Tailer. benchmarker is invoked exactly once, on the first
// ActionModelLoaded match.
func New(path string, rules []Rule, benchmarker Benchmarker, metrics ModelStateSink, log zerolog.Logger) *Tailer {
	return &Tailer{path: path, rules: rules, benchmarker: benchmarker, metrics: metrics, log: log}
}

// Run blocks until ctx is cancelled, tailing the log file forever. It
// never returns a transport error to the caller — failures inside the
// state machine are translated into ModelErrored calls, matching the
// Log Tailer's "never propagates out of its task" contract.
func (t *Tailer) Run(ctx context.Context) error {
	if err := t.awaitFile(ctx); err != nil {
		return err
	}
	return t.tail(ctx)
}

func (t *Tailer) awaitFile(ctx context.Context) error {
	if _, err := os.Stat(t.path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(dirOf(t.path)); werr == nil {
			defer func() { _ = watcher.Remove(dirOf(t.path)) }()
		}
	}

	ticker := time.NewTicker(fileWaitInterval)
	defer ticker.Stop()

	for {
		if _, statErr := os.Stat(t.path); statErr == nil {
			return nil
		}
		var events <-chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case ev := <-events:
			if ev.Name == t.path {
				return nil
			}
		}
	}
}

func dirOf(path string) string {
	return filepath.Dir(path)
}

func (t *Tailer) tail(ctx context.Context) error {
	f, err := os.Open(t.path)
	for err != nil {
		t.log.Debug().Err(err).Msg("opening model log failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fileWaitInterval):
		}
		f, err = os.Open(t.path)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var pending string
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line, err := reader.ReadString('\n')
		pending += line
		if err == nil {
			t.handleLine(ctx, trimNewline(pending))
			pending = ""
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Msg("reading model log failed, retrying")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(eofPollInterval):
			}
			continue
		}
	}
}

func trimNewline(s string) string {
	return strings.TrimRight(s, "\r\n")
}

func (t *Tailer) handleLine(ctx context.Context, line string) {
	for _, rule := range t.rules {
		if !strings.Contains(line, rule.Substring) {
			continue
		}
		switch rule.Action {
		case ActionModelLoaded:
			t.onModelLoaded(ctx, line)
		case ActionModelError:
			t.log.Debug().Str("line", line).Msg("model error log line matched")
			t.onModelErrored(rule.Substring)
			return // stop evaluating further rules for this line
		case ActionInfo:
			t.log.Debug().Str("line", line).Msg("model server info")
		}
	}
}

func (t *Tailer) onModelLoaded(ctx context.Context, line string) {
	if t.benchmarked || t.errored {
		return
	}
	t.benchmarked = true
	t.log.Debug().Str("line", line).Msg("model loaded, starting benchmark after settle delay")

	select {
	case <-time.After(postLoadSleep):
	case <-ctx.Done():
		return
	}

	maxThroughput, err := t.benchmarker.Run()
	if err != nil {
		t.log.Debug().Err(err).Msg("benchmark failed to connect to model server")
		t.onModelErrored(err.Error())
		return
	}
	t.metrics.ModelLoaded(maxThroughput)
}

func (t *Tailer) onModelErrored(msg string) {
	t.errored = true
	t.metrics.ModelErrored(msg)
}
