package sync

import (
	"sync"

	"github.com/nexlearn/crawlsync/internal/jobs"
)

// Watch is the live view of a single job. All mutation happens on the
// owning client goroutine; readers use Current or drain Updates.
type Watch struct {
	jobID   string
	updates chan View
	retryCh chan struct{}
	doneCh  chan struct{}
	cancel  func()

	mu      sync.RWMutex
	current View
}

// Updates streams every view change. The channel is buffered; when a
// consumer falls behind the oldest pending view is dropped, since each
// view fully supersedes the previous one.
func (w *Watch) Updates() <-chan View { return w.updates }

// Current returns the latest view.
func (w *Watch) Current() View {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Done is closed when the watch ends, either because the job reached a
// terminal state or the watch was cancelled.
func (w *Watch) Done() <-chan struct{} { return w.doneCh }

// Retry asks a degraded watch to attempt reconnection. No-op when the
// watch is healthy or already retrying.
func (w *Watch) Retry() {
	select {
	case w.retryCh <- struct{}{}:
	default:
	}
}

func (w *Watch) publish(v View) {
	w.mu.Lock()
	w.current = v
	w.mu.Unlock()
	for {
		select {
		case w.updates <- v:
			return
		default:
		}
		// Buffer full: shed the oldest view and try again.
		select {
		case <-w.updates:
		default:
		}
	}
}

func (w *Watch) withConnection(conn ConnectionState) View {
	w.mu.RLock()
	v := w.current
	w.mu.RUnlock()
	v.Connection = conn
	v.Degraded = false
	return v
}

// applySnapshot re-baselines the view from a pull snapshot. A snapshot
// older than the applied event baseline never regresses the view.
func (w *Watch) applySnapshot(snap jobs.Job) {
	w.mu.RLock()
	cur := w.current
	w.mu.RUnlock()
	if snap.Seq < cur.Seq {
		return
	}
	w.publish(View{
		JobID:       w.jobID,
		State:       snap.State,
		Seq:         snap.Seq,
		UpdatedAt:   snap.UpdatedAt,
		Result:      snap.Outcome.Result,
		ContentType: snap.Outcome.ContentType,
		ErrorText:   snap.Outcome.ErrorText,
		Connection:  cur.Connection,
	})
}

func (w *Watch) applyTransition(tr jobs.Transition) {
	w.mu.RLock()
	v := w.current
	w.mu.RUnlock()
	v.State = tr.To
	v.Seq = tr.Seq
	v.UpdatedAt = tr.At
	w.publish(v)
}

func (w *Watch) finish() {
	w.mu.RLock()
	v := w.current
	w.mu.RUnlock()
	v.Done = true
	v.Connection = Disconnected
	w.publish(v)
}

func (w *Watch) markDegraded() {
	w.mu.RLock()
	v := w.current
	w.mu.RUnlock()
	v.Degraded = true
	v.Connection = Disconnected
	w.publish(v)
}

func (w *Watch) clearDegraded() {
	w.mu.RLock()
	v := w.current
	w.mu.RUnlock()
	v.Degraded = false
	v.Connection = Connecting
	w.publish(v)
}
