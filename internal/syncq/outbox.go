// Package syncq keeps triggers that refctl could not deliver so they can be
// replayed once the API is reachable again.
package syncq

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"refengine/internal/queue"
)

type Entry struct {
	Trigger   queue.Trigger `json:"trigger"`
	QueuedAt  time.Time     `json:"queued_at"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
}

// Sender delivers one trigger. Returning a retryable error keeps the entry in
// the outbox; any other error drops it.
type Sender func(ctx context.Context, t queue.Trigger) (retryable bool, err error)

type FlushResult struct {
	Sent     int
	Dropped  []Entry
	Pending  int
	LastFail error
}

func outboxPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".refctl")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "outbox.json"), nil
}

func Load() ([]Entry, error) {
	path, err := outboxPath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, err
	}
	if len(raw) == 0 {
		return []Entry{}, nil
	}
	var out []Entry
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func Save(entries []Entry) error {
	path, err := outboxPath()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// Push appends t unless an entry with the same event id is already waiting.
func Push(t queue.Trigger, cause error) error {
	entries, err := Load()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if t.EventID != "" && e.Trigger.EventID == t.EventID && e.Trigger.Kind == t.Kind {
			return nil
		}
	}
	entry := Entry{Trigger: t, QueuedAt: time.Now().UTC()}
	if cause != nil {
		entry.LastError = cause.Error()
	}
	return Save(append(entries, entry))
}

// Flush replays entries in order. It stops at the first retryable failure so
// later entries keep their position behind it.
func Flush(ctx context.Context, send Sender) (FlushResult, error) {
	entries, err := Load()
	if err != nil {
		return FlushResult{}, err
	}
	var res FlushResult
	remaining := make([]Entry, 0, len(entries))
	for i, e := range entries {
		if ctx.Err() != nil {
			remaining = append(remaining, entries[i:]...)
			break
		}
		retryable, err := send(ctx, e.Trigger)
		if err == nil {
			res.Sent++
			continue
		}
		e.Attempts++
		e.LastError = err.Error()
		if !retryable {
			res.Dropped = append(res.Dropped, e)
			continue
		}
		res.LastFail = err
		remaining = append(remaining, e)
		remaining = append(remaining, entries[i+1:]...)
		break
	}
	res.Pending = len(remaining)
	if err := Save(remaining); err != nil {
		return res, err
	}
	return res, nil
}
