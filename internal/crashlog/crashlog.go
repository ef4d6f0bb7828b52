// Package crashlog — crashlog.go
//
// Append-only crash/start event log and crash-pattern correlator.
//
// On-disk format: one JSON object per line, append-only, never mutated,
// at data/crash_history.jsonl (spec.md §6.2). Lines older than 24h are
// pruned opportunistically by rewriting the file without them — the only
// operation that ever rewrites rather than appends.
//
// Concurrency: appends are assumed serialized by there being exactly one
// Watchdog tick writer at a time (spec.md §4.2/§5). A corrupt line is
// skipped rather than aborting the read — a damaged log degrades to "no
// pattern detected", never to a false alarm.

package crashlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/octoreflex/watchdog/internal/procutil"
)

// Kind is the type of a logged event.
type Kind string

const (
	KindStart Kind = "start"
	KindCrash Kind = "crash"
)

// Event is a single crash/start record, matching spec.md §3.1/§6.2.
type Event struct {
	Timestamp        time.Time `json:"-"`
	TimestampEpoch   float64   `json:"timestamp"`
	EventType        Kind      `json:"event_type"`
	CommitSHA        string    `json:"commit_sha"`
	CommitAgeSeconds any       `json:"commit_age_seconds"` // number, or the string "inf"
	Reason           *string   `json:"reason"`
}

// commitAge returns the event's commit age in seconds. The JSON string
// "inf" and unparseable values report ok=false (no usable age). Used by
// pattern detection.
func (e Event) commitAge() (float64, bool) {
	switch v := e.CommitAgeSeconds.(type) {
	case float64:
		return v, true
	case string:
		if v == "inf" {
			return 0, false
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Log is a handle to the event log file.
type Log struct {
	Path string
}

// New returns a Log for the event log at path.
func New(path string) *Log {
	return &Log{Path: path}
}

// LogStart appends a start event with the given HEAD sha/age.
func (l *Log) LogStart(commitSHA string, commitAgeSeconds float64) error {
	return l.append(Event{
		Timestamp:        time.Now().UTC(),
		EventType:        KindStart,
		CommitSHA:        commitSHA,
		CommitAgeSeconds: commitAgeSeconds,
	})
}

// LogCrash appends a crash event, with an optional human-readable reason.
func (l *Log) LogCrash(commitSHA string, commitAgeSeconds float64, reason string) error {
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	return l.append(Event{
		Timestamp:        time.Now().UTC(),
		EventType:        KindCrash,
		CommitSHA:        commitSHA,
		CommitAgeSeconds: commitAgeSeconds,
		Reason:           reasonPtr,
	})
}

func (l *Log) append(e Event) error {
	e.TimestampEpoch = float64(e.Timestamp.Unix())

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("crashlog.append: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("crashlog.append: open %q: %w", l.Path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("crashlog.append: write %q: %w", l.Path, err)
	}
	return nil
}

// ReadAll returns every parseable event in the log, in file order.
// Lines that fail to parse are silently skipped (spec.md §4.2 failure
// semantics).
func (l *Log) ReadAll() ([]Event, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("crashlog.ReadAll: open %q: %w", l.Path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue // corrupt line: skip, don't abort
		}
		e.Timestamp = time.Unix(int64(e.TimestampEpoch), 0).UTC()
		events = append(events, e)
	}
	return events, nil
}

// RecentCrashes returns crash events within windowSeconds of now.
func (l *Log) RecentCrashes(windowSeconds float64) ([]Event, error) {
	events, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-time.Duration(windowSeconds * float64(time.Second)))

	var recent []Event
	for _, e := range events {
		if e.EventType == KindCrash && e.Timestamp.After(cutoff) {
			recent = append(recent, e)
		}
	}
	return recent, nil
}

// DetectPattern implements spec.md §4.2's algorithm: a pattern is found
// iff there are >= crashCountThreshold crash events within
// windowSeconds, HEAD is <= headMaxAgeSeconds old, and at least
// crashCountThreshold of those crashes occurred on the current HEAD sha.
// When more than one commit meets the threshold, the newest (lowest
// commit age) is the suspect, since revert walks backwards one step at
// a time.
func (l *Log) DetectPattern(headSHA string, headAgeSeconds float64, windowSeconds, headMaxAgeSeconds float64, crashCountThreshold int) (found bool, suspectSHA string, err error) {
	if headAgeSeconds > headMaxAgeSeconds {
		return false, "", nil
	}

	recent, err := l.RecentCrashes(windowSeconds)
	if err != nil {
		return false, "", err
	}
	if len(recent) < crashCountThreshold {
		return false, "", nil
	}

	counts := make(map[string]int)
	ages := make(map[string]float64)
	for _, e := range recent {
		counts[e.CommitSHA]++
		if age, ok := e.commitAge(); ok {
			ages[e.CommitSHA] = age
		}
	}

	var suspect string
	bestAge := -1.0
	for sha, count := range counts {
		if count < crashCountThreshold {
			continue
		}
		age, ok := ages[sha]
		if !ok {
			continue
		}
		if suspect == "" || age < bestAge {
			suspect = sha
			bestAge = age
		}
	}
	// The pattern only fires when the qualifying commit is the one
	// currently deployed — crashes correlating with an old, already
	// superseded commit aren't actionable.
	if suspect == "" || suspect != headSHA {
		return false, "", nil
	}
	return true, headSHA, nil
}

// Prune rewrites the log keeping only events newer than maxAgeSeconds,
// returning the number removed.
func (l *Log) Prune(maxAgeSeconds float64) (int, error) {
	events, err := l.ReadAll()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-time.Duration(maxAgeSeconds * float64(time.Second)))

	var kept []Event
	removed := 0
	for _, e := range events {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}

	var buf []byte
	for _, e := range kept {
		e.TimestampEpoch = float64(e.Timestamp.Unix())
		data, marshalErr := json.Marshal(e)
		if marshalErr != nil {
			return 0, fmt.Errorf("crashlog.Prune: marshal: %w", marshalErr)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	if err := procutil.AtomicWrite(l.Path, buf, 0o644); err != nil {
		return 0, fmt.Errorf("crashlog.Prune: %w", err)
	}
	return removed, nil
}
