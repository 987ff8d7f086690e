// Package staging tracks the lifecycle of raw payload files pulled from
// ATS. Each file lives in exactly one of three membership groups (pending,
// in progress, processed) held in a shared store; a file in none of the
// groups is simply unknown. The tracker is the single source of truth for
// file state and callers must not infer it by other means.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// FileStatus is a tracked lifecycle state.
type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusInProgress FileStatus = "in_progress"
	StatusProcessed  FileStatus = "processed"
)

// NotFound is reported when a filename is absent from every group. It is
// an observed condition, not a stored state.
const NotFound = "Not found"

// Group names in the shared store, scoped per integration via groupKey.
const (
	pendingGroup    = "ats_pending_files"
	inProgressGroup = "ats_in_progress_files"
	processedGroup  = "ats_processed_files"
)

// statusOrder is the fixed priority in which groups are checked.
var statusOrder = []FileStatus{StatusPending, StatusInProgress, StatusProcessed}

// GroupStore is the membership store contract (Redis in production).
type GroupStore interface {
	Add(ctx context.Context, group string, values ...string) error
	IsMember(ctx context.Context, group, value string) (bool, error)
	Move(ctx context.Context, from, to string, values ...string) error
}

// MetadataUpdater mirrors tracked state into blob metadata so the raw
// payloads themselves carry their processing status.
type MetadataUpdater interface {
	UpdateMetadata(ctx context.Context, integrationID, blobName string, metadata map[string]string) error
}

// StatusResult is the caller-facing outcome of a status query or change.
type StatusResult struct {
	FileStatus string `json:"file_status"`
	Message    string `json:"message,omitempty"`
}

// Tracker implements the file state machine on top of a GroupStore.
type Tracker struct {
	store GroupStore
	blobs MetadataUpdater
	log   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTracker(store GroupStore, blobs MetadataUpdater, log *slog.Logger) *Tracker {
	return &Tracker{
		store: store,
		blobs: blobs,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

// fileLock serializes transitions per filename so concurrent callers can
// never leave a file in two groups or none.
func (t *Tracker) fileLock(filename string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[filename]
	if !ok {
		l = &sync.Mutex{}
		t.locks[filename] = l
	}
	return l
}

func groupFor(status FileStatus) string {
	switch status {
	case StatusInProgress:
		return inProgressGroup
	case StatusProcessed:
		return processedGroup
	default:
		return pendingGroup
	}
}

func groupKey(integrationID string, group string) string {
	return fmt.Sprintf("%s:%s", group, integrationID)
}

// Register adds a freshly staged file to the pending group. Callers must
// not register the same filename twice.
func (t *Tracker) Register(ctx context.Context, integrationID, filename string) error {
	return t.store.Add(ctx, groupKey(integrationID, pendingGroup), filename)
}

// Status checks the groups in fixed priority order and returns the first
// match. found is false when the file is absent from all three.
func (t *Tracker) Status(ctx context.Context, integrationID, filename string) (status FileStatus, found bool, err error) {
	for _, s := range statusOrder {
		ok, err := t.store.IsMember(ctx, groupKey(integrationID, groupFor(s)), filename)
		if err != nil {
			return "", false, err
		}
		if ok {
			return s, true, nil
		}
	}
	return "", false, nil
}

// GetStatus is the query operation: it reports the tracked status or
// NotFound, never an error result shape.
func (t *Tracker) GetStatus(ctx context.Context, integrationID, filename string) StatusResult {
	status, found, err := t.Status(ctx, integrationID, filename)
	if err != nil {
		t.log.Error("error getting file status",
			slog.String("integration_id", integrationID),
			slog.String("filename", filename),
			slog.Any("error", err),
		)
		return StatusResult{FileStatus: NotFound}
	}
	if !found {
		return StatusResult{FileStatus: NotFound}
	}
	return StatusResult{FileStatus: string(status)}
}

// SetStatus moves a tracked file to target. An untracked file is instead
// registered into pending (with blob metadata updated to match) and the
// requested target is not honored. Store failures are reported as a
// pending fallback with a generic message rather than propagated.
func (t *Tracker) SetStatus(ctx context.Context, integrationID, filename string, target FileStatus) StatusResult {
	l := t.fileLock(filename)
	l.Lock()
	defer l.Unlock()

	fallback := StatusResult{FileStatus: string(StatusPending), Message: "Error setting file status"}

	current, found, err := t.Status(ctx, integrationID, filename)
	if err != nil {
		t.logSetFailure(integrationID, filename, err)
		return fallback
	}

	if !found {
		if err := t.store.Add(ctx, groupKey(integrationID, pendingGroup), filename); err != nil {
			t.logSetFailure(integrationID, filename, err)
			return fallback
		}
		if err := t.blobs.UpdateMetadata(ctx, integrationID, filename, map[string]string{"status": string(StatusPending)}); err != nil {
			t.logSetFailure(integrationID, filename, err)
			return fallback
		}
		return StatusResult{
			FileStatus: NotFound,
			Message:    fmt.Sprintf("File '%s' not found in any group. Moving file to PENDING status.", filename),
		}
	}

	if current != target {
		from := groupKey(integrationID, groupFor(current))
		to := groupKey(integrationID, groupFor(target))
		if err := t.store.Move(ctx, from, to, filename); err != nil {
			t.logSetFailure(integrationID, filename, err)
			return fallback
		}
	}

	return StatusResult{
		FileStatus: string(target),
		Message:    fmt.Sprintf("File status for '%s' in integration '%s' set to '%s'.", filename, integrationID, target),
	}
}

// Transition is the strict variant used by the processing pipeline: store
// failures propagate to the caller instead of being converted to a
// fallback result. An untracked file is first registered into pending.
func (t *Tracker) Transition(ctx context.Context, integrationID, filename string, target FileStatus) error {
	l := t.fileLock(filename)
	l.Lock()
	defer l.Unlock()

	current, found, err := t.Status(ctx, integrationID, filename)
	if err != nil {
		return err
	}
	if !found {
		if err := t.store.Add(ctx, groupKey(integrationID, pendingGroup), filename); err != nil {
			return err
		}
		current = StatusPending
	}
	if current == target {
		return nil
	}
	from := groupKey(integrationID, groupFor(current))
	to := groupKey(integrationID, groupFor(target))
	return t.store.Move(ctx, from, to, filename)
}

func (t *Tracker) logSetFailure(integrationID, filename string, err error) {
	t.log.Error("error setting file status",
		slog.String("integration_id", integrationID),
		slog.String("filename", filename),
		slog.Any("error", err),
	)
}
