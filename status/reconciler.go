package status

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/stinb/UnderstandForVSCode-sub000/logging"
	"github.com/stinb/UnderstandForVSCode-sub000/transport"
)

// Item is one tracked work-done progress token.
type Item struct {
	Token       transport.ProgressToken
	Title       string
	Message     string
	Percentage  int // -1 when unknown
	Cancellable bool
	Begun       bool

	created uint64
	updated uint64
}

// Status is the aggregate shown to the user. It is derived from the
// lifecycle, the tracked progress items and the database state, and is
// comparable so listeners only hear about real changes.
type Status struct {
	State     State
	Lifecycle State
	Database  Database

	// Progress fields describe the most recently updated item when
	// State is Progress.
	Items       int
	Title       string
	Message     string
	Percentage  int
	Cancellable bool
}

// Reconciler owns the inputs of the aggregate status. It is safe for
// concurrent use; callbacks run on the goroutine that caused the change,
// outside the reconciler's lock.
type Reconciler struct {
	mu        sync.Mutex
	lifecycle State
	db        Database
	items     map[string]*Item
	seq       uint64
	status    Status
	resolved  bool

	onChange   []func(Status)
	onResolved []func(path string)
}

func NewReconciler() *Reconciler {
	r := &Reconciler{items: make(map[string]*Item)}
	r.status = r.compute()
	return r
}

// OnChange registers fn to be called whenever the aggregate status changes.
func (r *Reconciler) OnChange(fn func(Status)) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

// OnResolved registers fn to be called once each time the database becomes
// resolved.
func (r *Reconciler) OnResolved(fn func(path string)) {
	r.mu.Lock()
	r.onResolved = append(r.onResolved, fn)
	r.mu.Unlock()
}

// SetLifecycle records a session transition. Idle and NoConnection mean the
// session is gone, so tracked progress is dropped with it.
func (r *Reconciler) SetLifecycle(s State) {
	r.update(func() func() {
		if s == Progress {
			s = Ready
		}
		r.lifecycle = s
		if s == Idle || s == NoConnection {
			clear(r.items)
		}
		return nil
	})
}

// CreateProgress starts tracking token. It must run before the first
// $/progress for that token.
func (r *Reconciler) CreateProgress(token transport.ProgressToken) {
	r.update(func() func() {
		key := token.String()
		if _, ok := r.items[key]; ok {
			return nil
		}
		r.seq++
		r.items[key] = &Item{Token: token, Percentage: -1, created: r.seq, updated: r.seq}
		return nil
	})
}

// Progress applies a begin, report or end payload. Tokens that were never
// created are ignored.
func (r *Reconciler) Progress(token transport.ProgressToken, raw json.RawMessage) error {
	var v transport.WorkDoneProgressValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode progress value: %w", err)
	}
	switch v.Kind {
	case transport.ProgressBegin, transport.ProgressReport, transport.ProgressEnd:
	default:
		return fmt.Errorf("unknown progress kind %q", v.Kind)
	}

	r.update(func() func() {
		key := token.String()
		item, ok := r.items[key]
		if !ok {
			logging.Logger.Debug("Progress for unknown token", "token", key, "kind", string(v.Kind))
			return nil
		}
		if v.Kind == transport.ProgressEnd {
			delete(r.items, key)
			return nil
		}
		r.seq++
		item.updated = r.seq
		if v.Kind == transport.ProgressBegin {
			item.Begun = true
			item.Title = v.Title
			item.Message = v.Message
		} else if v.Message != "" {
			item.Message = v.Message
		}
		if v.Percentage != nil {
			item.Percentage = int(min(*v.Percentage, 100))
		}
		if v.Cancellable != nil {
			item.Cancellable = *v.Cancellable
		}
		return nil
	})
	return nil
}

// SetDatabase replaces the database state. Entering DatabaseResolved, from
// another state or for a new path, fires the resolved callbacks once.
func (r *Reconciler) SetDatabase(path string, state DatabaseState) {
	r.update(func() func() {
		prev := r.db
		r.db = Database{Path: path, State: state}
		if state != DatabaseResolved {
			r.resolved = false
			return nil
		}
		if r.resolved && prev.Path == path {
			return nil
		}
		r.resolved = true
		fns := append([]func(string){}, r.onResolved...)
		return func() {
			for _, fn := range fns {
				fn(path)
			}
		}
	})
}

// Reset returns everything to the initial Idle state.
func (r *Reconciler) Reset() {
	r.update(func() func() {
		r.lifecycle = Idle
		r.db = Database{}
		r.resolved = false
		clear(r.items)
		return nil
	})
}

func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Reconciler) Database() Database {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db
}

// Items returns the tracked progress items in creation order.
func (r *Reconciler) Items() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Item, 0, len(r.items))
	for _, it := range r.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].created < out[j].created })
	return out
}

// update applies fn under the lock, recomputes the aggregate and then runs
// any side effect fn returned followed by the change listeners.
func (r *Reconciler) update(fn func() func()) {
	r.mu.Lock()
	effect := fn()
	next := r.compute()
	changed := next != r.status
	r.status = next
	var listeners []func(Status)
	if changed {
		listeners = append(listeners, r.onChange...)
	}
	r.mu.Unlock()

	if effect != nil {
		effect()
	}
	for _, l := range listeners {
		l(next)
	}
}

func (r *Reconciler) compute() Status {
	s := Status{
		State:      r.lifecycle,
		Lifecycle:  r.lifecycle,
		Database:   r.db,
		Items:      len(r.items),
		Percentage: -1,
	}
	if len(r.items) == 0 {
		return s
	}
	s.State = Progress
	var latest *Item
	for _, it := range r.items {
		if latest == nil || it.updated > latest.updated {
			latest = it
		}
	}
	s.Title = latest.Title
	s.Message = latest.Message
	s.Percentage = latest.Percentage
	for _, it := range r.items {
		if it.Cancellable {
			s.Cancellable = true
		}
	}
	return s
}
