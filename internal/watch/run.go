package watch

import (
	"context"
	"time"

	"github.com/Dicklesworthstone/warden/internal/integrity"
)

// Target is the store a watcher keeps in sync. *engine.Engine satisfies it.
type Target interface {
	SyncPatternFiles(ctx context.Context) (int, error)
	Recheck(ctx context.Context) (*integrity.Report, error)
}

// Update reports what Run did for one batch of events.
type Update struct {
	Kind     Kind              `json:"kind"`
	Paths    []string          `json:"paths"`
	At       time.Time         `json:"at"`
	Patterns int               `json:"patterns,omitempty"`
	Report   *integrity.Report `json:"report,omitempty"`
	Err      error             `json:"-"`
	Error    string            `json:"error,omitempty"`
}

// Run consumes w's events until ctx is cancelled or w stops. Events that
// arrive together are handled as one batch: pattern files are re-merged
// first, then the store is re-verified. notify is called once per action
// taken; it may be nil.
//
// A re-merge writes the store, which produces a store event on the next
// batch. The recheck that follows writes nothing while the digest matches,
// so the loop settles.
func Run(ctx context.Context, w *Watcher, t Target, notify func(Update)) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	if notify == nil {
		notify = func(Update) {}
	}

	events, errs := w.Events(), w.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			notify(Update{Kind: KindStore, At: time.Now().UTC(), Err: err, Error: err.Error()})
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			batch := append([]Event{ev}, drain(events)...)
			handle(ctx, t, batch, notify)
		}
	}
}

// drain collects events already queued behind the first one of a flush.
func drain(events <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func handle(ctx context.Context, t Target, batch []Event, notify func(Update)) {
	byKind := map[Kind][]string{}
	for _, ev := range batch {
		byKind[ev.Kind] = append(byKind[ev.Kind], ev.Path)
	}

	if paths := byKind[KindPatterns]; len(paths) > 0 {
		u := Update{Kind: KindPatterns, Paths: paths, At: time.Now().UTC()}
		n, err := t.SyncPatternFiles(ctx)
		if err != nil {
			u.Err, u.Error = err, err.Error()
		}
		u.Patterns = n
		notify(u)
	}

	if paths := byKind[KindStore]; len(paths) > 0 {
		u := Update{Kind: KindStore, Paths: paths, At: time.Now().UTC()}
		report, err := t.Recheck(ctx)
		if err != nil {
			u.Err, u.Error = err, err.Error()
		}
		u.Report = report
		notify(u)
	}
}
