// Package wal implements the append-only on-disk event log backing the SDK
// event queue. Every event is persisted before any delivery attempt, and
// every status change is appended as a small update record rather than a
// rewrite, so a crash at any point loses at most the line being written.
//
// Layout: a storage directory holds numbered segment files plus one lock
// file. Each line is one JSON object, either a full event record or a
// minimal {id, status, sent_at} status update. Segments rotate by size and
// age; Compact folds history into a fresh segment and deletes the rest.
// All read-modify-write sequences take the directory's exclusive lock, so
// multiple processes can safely share one storage path.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/birbparty/birb-flags/internal/flock"
)

// Status is the delivery state of a persisted event.
type Status string

const (
	// StatusPending means the event is persisted and awaiting delivery.
	StatusPending Status = "pending"
	// StatusSending means a delivery attempt is in flight. Observed at
	// recovery it means the process died mid-send and delivery is
	// unconfirmed, so the event is retried.
	StatusSending Status = "sending"
	// StatusSent means delivery was acknowledged.
	StatusSent Status = "sent"
	// StatusFailed means the event was given up on (overflow or permanent
	// rejection) and will not be retried.
	StatusFailed Status = "failed"
)

// Event is one persisted analytics event.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Status    Status          `json:"status"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// record is the union of the two line formats. A line with an empty Type
// and no CreatedAt is a status update; otherwise it is a full event.
type record struct {
	ID        string          `json:"id"`
	Type      string          `json:"type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt *time.Time      `json:"created_at,omitempty"`
	Status    Status          `json:"status"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

func (r *record) isUpdate() bool {
	return r.Type == "" && r.CreatedAt == nil
}

const (
	segmentPrefix = "events-"
	segmentSuffix = ".log"

	// maxLineSize bounds a single record line when scanning segments.
	maxLineSize = 1 << 20
)

// Options configures a Log.
type Options struct {
	// Dir is the storage directory. Created if missing.
	Dir string

	// MaxSegmentSize rotates the active segment once it exceeds this many
	// bytes. Default: 1 MiB
	MaxSegmentSize int64

	// MaxSegmentAge rotates the active segment once it is older than this.
	// Default: 24h
	MaxSegmentAge time.Duration

	// MaxEvents bounds the number of live (pending or sending) events.
	// Appending past the bound drops the oldest pending event.
	// Default: 1000
	MaxEvents int
}

func (o *Options) applyDefaults() {
	if o.MaxSegmentSize <= 0 {
		o.MaxSegmentSize = 1 << 20
	}
	if o.MaxSegmentAge <= 0 {
		o.MaxSegmentAge = 24 * time.Hour
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = 1000
	}
}

// entry is the in-memory index state for one event id.
type entry struct {
	status    Status
	createdAt time.Time
}

// Log is an append-only event log over a storage directory.
// Methods are safe for concurrent use within a process, and the directory
// lock arbitrates between processes.
type Log struct {
	opts Options
	lock *flock.Lock

	// index mirrors the folded on-disk state; rebuilt on Open and kept
	// current by Append/UpdateStatus. Guarded by the directory lock.
	index map[string]*entry
}

// Open prepares a log over dir, creating the directory if needed and
// building the in-memory index from existing segments.
func Open(opts Options) (*Log, error) {
	opts.applyDefaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("wal: storage directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create storage dir: %w", err)
	}

	l := &Log{
		opts:  opts,
		lock:  flock.New(opts.Dir),
		index: make(map[string]*entry),
	}

	err := l.lock.With(func() error {
		events, err := l.fold()
		if err != nil {
			return err
		}
		for id, ev := range events {
			l.index[id] = &entry{status: ev.Status, createdAt: ev.CreatedAt}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// Append persists a new event with status pending. When the live-event
// bound is reached, the oldest pending event is marked failed to make room.
func (l *Log) Append(ev Event) error {
	if ev.ID == "" {
		return fmt.Errorf("wal: event id is required")
	}
	ev.Status = StatusPending
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	return l.lock.With(func() error {
		if dropID := l.overflowVictim(); dropID != "" {
			drop := record{ID: dropID, Status: StatusFailed}
			if err := l.appendRecord(drop); err != nil {
				return err
			}
			l.index[dropID].status = StatusFailed
		}

		rec := record{
			ID:        ev.ID,
			Type:      ev.Type,
			Payload:   ev.Payload,
			CreatedAt: &ev.CreatedAt,
			Status:    ev.Status,
		}
		if err := l.appendRecord(rec); err != nil {
			return err
		}
		l.index[ev.ID] = &entry{status: ev.Status, createdAt: ev.CreatedAt}
		return nil
	})
}

// overflowVictim returns the id of the oldest pending event when the live
// count is at the bound, or "". Callers must hold the directory lock.
func (l *Log) overflowVictim() string {
	live := 0
	oldestID := ""
	var oldest time.Time
	for id, e := range l.index {
		if e.status != StatusPending && e.status != StatusSending {
			continue
		}
		live++
		if e.status == StatusPending && (oldestID == "" || e.createdAt.Before(oldest)) {
			oldestID = id
			oldest = e.createdAt
		}
	}
	if live < l.opts.MaxEvents {
		return ""
	}
	return oldestID
}

// UpdateStatus appends a status-update record for id.
func (l *Log) UpdateStatus(id string, status Status, sentAt *time.Time) error {
	return l.lock.With(func() error {
		rec := record{ID: id, Status: status, SentAt: sentAt}
		if err := l.appendRecord(rec); err != nil {
			return err
		}
		if e, ok := l.index[id]; ok {
			e.status = status
		}
		return nil
	})
}

// Recover returns every event whose latest status is pending or sending, in
// creation order. Sending events are reclassified pending: a send observed
// mid-flight at startup is unconfirmed and must be retried. Duplicates are
// possible downstream and are deduplicated there by event id.
func (l *Log) Recover() ([]Event, error) {
	var out []Event
	err := l.lock.With(func() error {
		events, err := l.fold()
		if err != nil {
			return err
		}
		l.index = make(map[string]*entry, len(events))
		for id, ev := range events {
			if ev.Status == StatusSending {
				ev.Status = StatusPending
				events[id] = ev
			}
			l.index[id] = &entry{status: ev.Status, createdAt: ev.CreatedAt}
			if ev.Status == StatusPending {
				out = append(out, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Cleanup compacts the log: still-live events and recently sent events are
// rewritten into a fresh segment, sent events older than retention and
// failed events are dropped, and all previous segments are deleted.
func (l *Log) Cleanup(retention time.Duration) error {
	return l.lock.With(func() error {
		events, err := l.fold()
		if err != nil {
			return err
		}

		cutoff := time.Now().Add(-retention)
		var keep []Event
		for _, ev := range events {
			switch ev.Status {
			case StatusPending, StatusSending:
				keep = append(keep, ev)
			case StatusSent:
				if ev.SentAt != nil && ev.SentAt.After(cutoff) {
					keep = append(keep, ev)
				}
			}
		}
		sort.Slice(keep, func(i, j int) bool {
			return keep[i].CreatedAt.Before(keep[j].CreatedAt)
		})

		old, err := l.segments()
		if err != nil {
			return err
		}

		// Write the compacted segment before deleting anything, so a
		// crash mid-cleanup duplicates records instead of losing them
		f, _, err := l.createSegment()
		if err != nil {
			return err
		}
		w := bufio.NewWriter(f)
		for _, ev := range keep {
			created := ev.CreatedAt
			rec := record{
				ID:        ev.ID,
				Type:      ev.Type,
				Payload:   ev.Payload,
				CreatedAt: &created,
				Status:    ev.Status,
				SentAt:    ev.SentAt,
			}
			line, err := json.Marshal(rec)
			if err != nil {
				f.Close()
				return fmt.Errorf("wal: encode record: %w", err)
			}
			if _, err := w.Write(append(line, '\n')); err != nil {
				f.Close()
				return fmt.Errorf("wal: write segment: %w", err)
			}
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return fmt.Errorf("wal: write segment: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("wal: sync segment: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("wal: close segment: %w", err)
		}

		for _, seg := range old {
			if err := os.Remove(seg); err != nil {
				return fmt.Errorf("wal: remove old segment: %w", err)
			}
		}

		l.index = make(map[string]*entry, len(keep))
		for _, ev := range keep {
			l.index[ev.ID] = &entry{status: ev.Status, createdAt: ev.CreatedAt}
		}
		return nil
	})
}

// Len returns the number of live (pending or sending) events.
func (l *Log) Len() int {
	n := 0
	l.lock.With(func() error {
		for _, e := range l.index {
			if e.status == StatusPending || e.status == StatusSending {
				n++
			}
		}
		return nil
	})
	return n
}

// appendRecord writes one line to the active segment, rotating first when
// the segment is over size or age. Callers must hold the directory lock.
func (l *Log) appendRecord(rec record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("wal: encode record: %w", err)
	}

	path, err := l.activeSegment()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("wal: append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("wal: sync segment: %w", err)
	}
	return nil
}

// activeSegment returns the newest segment path, creating a fresh one when
// none exists or the newest is over the rotation thresholds.
// Callers must hold the directory lock.
func (l *Log) activeSegment() (string, error) {
	segs, err := l.segments()
	if err != nil {
		return "", err
	}
	if len(segs) > 0 {
		newest := segs[len(segs)-1]
		info, err := os.Stat(newest)
		if err == nil &&
			info.Size() < l.opts.MaxSegmentSize &&
			time.Since(segmentTime(newest)) < l.opts.MaxSegmentAge {
			return newest, nil
		}
	}
	f, path, err := l.createSegment()
	if err != nil {
		return "", err
	}
	f.Close()
	return path, nil
}

// createSegment creates a new empty segment file named after the current
// time, so lexicographic order is creation order.
func (l *Log) createSegment() (*os.File, string, error) {
	for {
		name := fmt.Sprintf("%s%020d%s", segmentPrefix, time.Now().UnixNano(), segmentSuffix)
		path := filepath.Join(l.opts.Dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("wal: create segment: %w", err)
		}
		return f, path, nil
	}
}

// segments lists segment paths sorted by creation order.
func (l *Log) segments() ([]string, error) {
	entries, err := os.ReadDir(l.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}
	var segs []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix) {
			segs = append(segs, filepath.Join(l.opts.Dir, name))
		}
	}
	sort.Strings(segs)
	return segs, nil
}

// segmentTime extracts the creation time encoded in a segment filename.
func segmentTime(path string) time.Time {
	name := filepath.Base(path)
	name = strings.TrimPrefix(name, segmentPrefix)
	name = strings.TrimSuffix(name, segmentSuffix)
	ns, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// fold replays all segments in creation order, applying status updates over
// create records, and returns the latest known state per event id.
// Unparseable lines (a torn write from a crash) are skipped.
// Callers must hold the directory lock.
func (l *Log) fold() (map[string]Event, error) {
	segs, err := l.segments()
	if err != nil {
		return nil, err
	}

	events := make(map[string]Event)
	for _, seg := range segs {
		f, err := os.Open(seg)
		if err != nil {
			return nil, fmt.Errorf("wal: open segment: %w", err)
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec record
			if err := json.Unmarshal(line, &rec); err != nil || rec.ID == "" {
				continue
			}
			if rec.isUpdate() {
				ev, ok := events[rec.ID]
				if !ok {
					continue
				}
				ev.Status = rec.Status
				if rec.SentAt != nil {
					ev.SentAt = rec.SentAt
				}
				events[rec.ID] = ev
				continue
			}
			events[rec.ID] = Event{
				ID:        rec.ID,
				Type:      rec.Type,
				Payload:   rec.Payload,
				CreatedAt: *rec.CreatedAt,
				Status:    rec.Status,
				SentAt:    rec.SentAt,
			}
		}
		serr := scanner.Err()
		f.Close()
		if serr != nil {
			return nil, fmt.Errorf("wal: read segment: %w", serr)
		}
	}
	return events, nil
}
