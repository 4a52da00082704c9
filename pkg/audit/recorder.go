package audit

import "context"

// Recorder diffs snapshots and commits the resulting drafts as one batch
type Recorder struct {
	writer Writer
}

// NewRecorder creates a recorder writing through w
func NewRecorder(w Writer) *Recorder {
	return &Recorder{writer: w}
}

// RecordCreate tracks and commits the creation of a record
func (r *Recorder) RecordCreate(ctx context.Context, tc TrackContext, after *Snapshot) ([]HistoryEntry, error) {
	return r.commit(ctx, TrackCreate(tc, after))
}

// RecordUpdate tracks and commits the changed fields of a record. Nothing is
// written when no field changed.
func (r *Recorder) RecordUpdate(ctx context.Context, tc TrackContext, before, after *Snapshot) ([]HistoryEntry, error) {
	return r.commit(ctx, TrackUpdate(tc, before, after))
}

// RecordDelete tracks and commits the deletion of a record
func (r *Recorder) RecordDelete(ctx context.Context, tc TrackContext, before *Snapshot) ([]HistoryEntry, error) {
	return r.commit(ctx, TrackDelete(tc, before))
}

// Record dispatches on action. before is ignored for CREATE and after for DELETE.
func (r *Recorder) Record(ctx context.Context, action Action, tc TrackContext, before, after *Snapshot) ([]HistoryEntry, error) {
	switch action {
	case ActionCreate:
		return r.RecordCreate(ctx, tc, after)
	case ActionUpdate:
		return r.RecordUpdate(ctx, tc, before, after)
	case ActionDelete:
		return r.RecordDelete(ctx, tc, before)
	}
	return nil, &ValidationError{Field: "action", Message: "unknown action " + string(action)}
}

func (r *Recorder) commit(ctx context.Context, drafts []HistoryEntry) ([]HistoryEntry, error) {
	if len(drafts) == 0 {
		return []HistoryEntry{}, nil
	}
	return r.writer.Commit(ctx, drafts)
}
