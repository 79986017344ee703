package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/pkg/stream"
)

// Entity is a row of a local table
type Entity interface {
	EntityID() string
	ScopeKeys() []string
}

// Table is a key-indexed local table of one entity type. Writes are
// serialized per table so observers see changes in commit order; the
// latest write of a row wins.
type Table[T Entity] struct {
	name    string
	backend Backend
	less    func(a, b T) bool
	logger  *logrus.Logger

	mu      sync.Mutex
	subMu   sync.Mutex
	nextID  uint64
	byID    map[string]map[uint64]*rowSub[T]
	byScope map[string]map[uint64]*stream.Stream[[]T]
}

type rowSub[T any] struct {
	s       *stream.Stream[T]
	lastNil bool
}

// NewTable creates a table stored under name in backend. less orders
// the rows returned for a scope and may be nil.
func NewTable[T Entity](name string, backend Backend, less func(a, b T) bool, logger *logrus.Logger) *Table[T] {
	return &Table[T]{
		name:    name,
		backend: backend,
		less:    less,
		logger:  logger,
		byID:    make(map[string]map[uint64]*rowSub[T]),
		byScope: make(map[string]map[uint64]*stream.Stream[[]T]),
	}
}

// Name returns the table name
func (t *Table[T]) Name() string { return t.name }

// GetByID returns the row with id, or the zero value when absent
func (t *Table[T]) GetByID(ctx context.Context, id string) (T, error) {
	v, _, err := t.get(ctx, id)
	return v, err
}

// List returns every row in scope, ordered by the table order
func (t *Table[T]) List(ctx context.Context, scope string) ([]T, error) {
	raws, err := t.backend.List(ctx, t.name, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s: %w", t.name, scope, err)
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		v, err := t.decode(raw)
		if err != nil {
			t.logger.WithError(err).WithField("table", t.name).Warn("Skipping undecodable row")
			continue
		}
		out = append(out, v)
	}
	if t.less != nil {
		sort.SliceStable(out, func(i, j int) bool { return t.less(out[i], out[j]) })
	}
	return out, nil
}

// Upsert writes one row
func (t *Table[T]) Upsert(ctx context.Context, v T) error {
	return t.UpsertAll(ctx, []T{v})
}

// UpsertAll writes rows in one batch
func (t *Table[T]) UpsertAll(ctx context.Context, values []T) error {
	if len(values) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rows := make([]Row, 0, len(values))
	scopes := make(map[string]struct{})
	for _, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s row %s: %w", t.name, v.EntityID(), err)
		}
		old, found, err := t.get(ctx, v.EntityID())
		if err != nil {
			return err
		}
		var oldScopes []string
		if found {
			oldScopes = old.ScopeKeys()
		}
		rows = append(rows, Row{
			ID:        v.EntityID(),
			Data:      data,
			Scopes:    v.ScopeKeys(),
			OldScopes: oldScopes,
		})
		for _, s := range oldScopes {
			scopes[s] = struct{}{}
		}
		for _, s := range v.ScopeKeys() {
			scopes[s] = struct{}{}
		}
	}

	if err := t.backend.Put(ctx, t.name, rows); err != nil {
		return fmt.Errorf("failed to write %s rows: %w", t.name, err)
	}

	for i, v := range values {
		// notify with a fresh decode so observers never share the caller's value
		fresh, err := t.decode(rows[i].Data)
		if err != nil {
			fresh = v
		}
		t.notifyRow(v.EntityID(), fresh, true)
	}
	t.notifyScopes(ctx, scopes)
	return nil
}

// Delete removes the row with id. Deleting an absent row is a no-op.
func (t *Table[T]) Delete(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old, found, err := t.get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if err := t.backend.Delete(ctx, t.name, id, old.ScopeKeys()); err != nil {
		return fmt.Errorf("failed to delete %s row %s: %w", t.name, id, err)
	}

	var zero T
	t.notifyRow(id, zero, false)
	scopes := make(map[string]struct{})
	for _, s := range old.ScopeKeys() {
		scopes[s] = struct{}{}
	}
	t.notifyScopes(ctx, scopes)
	return nil
}

// ObserveByID streams the row with id. The current row, or the zero value
// when absent, is queued before ObserveByID returns; later writes follow.
// Consecutive absences are reported once.
func (t *Table[T]) ObserveByID(ctx context.Context, id string) (*stream.Stream[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, found, err := t.get(ctx, id)
	if err != nil {
		return nil, err
	}

	t.subMu.Lock()
	t.nextID++
	subID := t.nextID
	t.subMu.Unlock()

	s := stream.New[T](func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		delete(t.byID[id], subID)
		if len(t.byID[id]) == 0 {
			delete(t.byID, id)
		}
	})
	sub := &rowSub[T]{s: s, lastNil: !found}
	s.Send(current)

	t.subMu.Lock()
	if t.byID[id] == nil {
		t.byID[id] = make(map[uint64]*rowSub[T])
	}
	t.byID[id][subID] = sub
	t.subMu.Unlock()

	return s, nil
}

// ObserveAll streams the ordered rows of scope, starting with the current set
func (t *Table[T]) ObserveAll(ctx context.Context, scope string) (*stream.Stream[[]T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, err := t.List(ctx, scope)
	if err != nil {
		return nil, err
	}

	t.subMu.Lock()
	t.nextID++
	subID := t.nextID
	t.subMu.Unlock()

	s := stream.New[[]T](func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		delete(t.byScope[scope], subID)
		if len(t.byScope[scope]) == 0 {
			delete(t.byScope, scope)
		}
	})
	s.Send(current)

	t.subMu.Lock()
	if t.byScope[scope] == nil {
		t.byScope[scope] = make(map[uint64]*stream.Stream[[]T])
	}
	t.byScope[scope][subID] = s
	t.subMu.Unlock()

	return s, nil
}

// Observers returns the number of live observers, for tests and metrics
func (t *Table[T]) Observers() int {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	n := 0
	for _, subs := range t.byID {
		n += len(subs)
	}
	for _, subs := range t.byScope {
		n += len(subs)
	}
	return n
}

func (t *Table[T]) get(ctx context.Context, id string) (T, bool, error) {
	var zero T
	raw, err := t.backend.Get(ctx, t.name, id)
	if err != nil {
		return zero, false, fmt.Errorf("failed to read %s row %s: %w", t.name, id, err)
	}
	if raw == nil {
		return zero, false, nil
	}
	v, err := t.decode(raw)
	if err != nil {
		return zero, false, fmt.Errorf("failed to decode %s row %s: %w", t.name, id, err)
	}
	return v, true, nil
}

func (t *Table[T]) decode(raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// notifyRow must be called with mu held
func (t *Table[T]) notifyRow(id string, v T, present bool) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, sub := range t.byID[id] {
		if !present && sub.lastNil {
			continue
		}
		sub.lastNil = !present
		sub.s.Send(v)
	}
}

// notifyScopes must be called with mu held
func (t *Table[T]) notifyScopes(ctx context.Context, scopes map[string]struct{}) {
	for scope := range scopes {
		t.subMu.Lock()
		subs := make([]*stream.Stream[[]T], 0, len(t.byScope[scope]))
		for _, s := range t.byScope[scope] {
			subs = append(subs, s)
		}
		t.subMu.Unlock()
		if len(subs) == 0 {
			continue
		}

		rows, err := t.List(ctx, scope)
		if err != nil {
			t.logger.WithError(err).WithFields(logrus.Fields{
				"table": t.name,
				"scope": scope,
			}).Warn("Failed to refresh scope observers")
			continue
		}
		for _, s := range subs {
			s.Send(rows)
		}
	}
}
