package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
)

// archiveEntry locates one encoded event in the archive file.
type archiveEntry struct {
	seq    uint64
	offset int64
	size   int
}

// EventArchive journals every published event to a JSON lines file for the
// life of one daemon run. Entries are indexed by sequence and by invocation,
// so a build's complete log stays readable after the stream hub evicts it.
type EventArchive struct {
	path string

	mu           sync.Mutex
	file         *os.File
	size         int64
	entries      []archiveEntry
	byInvocation map[string][]int
}

// NewEventArchive creates or truncates the archive at path. An empty path
// disables archiving and returns a nil archive.
func NewEventArchive(path string) (*EventArchive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	if err := ensureLogDir(path); err != nil {
		return nil, fmt.Errorf("ensure archive dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return &EventArchive{path: path, file: file, byInvocation: make(map[string][]int)}, nil
}

// Append journals evt. It implements LogEventSink; a failed write skips the
// event and leaves the index consistent with the file.
func (a *EventArchive) Append(evt LogEvent) {
	if a == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	n, err := a.file.WriteAt(data, a.size)
	if err != nil || n != len(data) {
		return
	}
	a.entries = append(a.entries, archiveEntry{seq: evt.Sequence, offset: a.size, size: len(data)})
	if evt.InvocationID != "" {
		a.byInvocation[evt.InvocationID] = append(a.byInvocation[evt.InvocationID], len(a.entries)-1)
	}
	a.size += int64(len(data))
}

// ReadSince returns events with a sequence above since along with the
// highest sequence scanned, which is the cursor for the next call. A limit
// of 0 means unlimited.
func (a *EventArchive) ReadSince(since uint64, limit int) ([]LogEvent, uint64, error) {
	if a == nil {
		return nil, since, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// Sinks run outside the hub lock, so entries are only roughly ordered.
	highest := since
	var selected []archiveEntry
	for _, entry := range a.entries {
		highest = max(highest, entry.seq)
		if entry.seq <= since {
			continue
		}
		selected = append(selected, entry)
		if limit > 0 && len(selected) >= limit {
			break
		}
	}
	events, err := a.readLocked(selected)
	return events, highest, err
}

// ReadInvocation returns the most recent limit events logged for one build
// invocation, oldest first. A limit of 0 means every event.
func (a *EventArchive) ReadInvocation(invocationID string, limit int) ([]LogEvent, error) {
	if a == nil {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	indexes := a.byInvocation[invocationID]
	if limit > 0 && len(indexes) > limit {
		indexes = indexes[len(indexes)-limit:]
	}
	selected := make([]archiveEntry, len(indexes))
	for i, idx := range indexes {
		selected[i] = a.entries[idx]
	}
	return a.readLocked(selected)
}

// Invocations lists the invocation ids with archived events.
func (a *EventArchive) Invocations() []string {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.byInvocation))
	for id := range a.byInvocation {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (a *EventArchive) readLocked(selected []archiveEntry) ([]LogEvent, error) {
	if len(selected) == 0 {
		return nil, nil
	}
	if a.file == nil {
		return nil, fmt.Errorf("read archive %s: archive closed", a.path)
	}
	events := make([]LogEvent, 0, len(selected))
	var buf []byte
	for _, entry := range selected {
		buf = slices.Grow(buf[:0], entry.size)[:entry.size]
		if _, err := a.file.ReadAt(buf, entry.offset); err != nil {
			return events, fmt.Errorf("read archive %s: %w", a.path, err)
		}
		var evt LogEvent
		if err := json.Unmarshal(buf, &evt); err != nil {
			return events, fmt.Errorf("decode archive %s at %d: %w", a.path, entry.offset, err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// Close releases the archive file. Reads after Close fail.
func (a *EventArchive) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// Path returns the archive file location.
func (a *EventArchive) Path() string {
	if a == nil {
		return ""
	}
	return a.path
}
