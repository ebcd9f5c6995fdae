package auditlog

import "context"

// Recorder appends events through a database handle.
type Recorder struct {
	q QueryRower
}

func NewRecorder(q QueryRower) *Recorder {
	if q == nil {
		return nil
	}
	return &Recorder{q: q}
}

func (r *Recorder) Record(ctx context.Context, event Event) error {
	_, err := Insert(ctx, r.q, event)
	return err
}
