package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/pkg/stream"
)

const maxTransactionAttempts = 5

var errReadAfterWrite = errors.New("transaction reads must happen before writes")

type memDoc struct {
	data    models.Document
	version uint64
}

type memListener struct {
	q    Query
	s    *stream.Stream[*QuerySnapshot]
	last map[string]models.Document
}

type write struct {
	path   string
	data   models.Document
	update bool
	delete bool
}

// Memory is an in-process document store with snapshot listeners. It backs
// single-node deployments and tests, and can inject faults.
type Memory struct {
	mu        sync.RWMutex
	docs      map[string]*memDoc
	listeners map[uint64]*memListener
	nextID    uint64
	logger    *logrus.Logger

	writeErr error
	denied   bool
	gate     chan struct{}
}

// NewMemory creates an empty store
func NewMemory(logger *logrus.Logger) *Memory {
	return &Memory{
		docs:      make(map[string]*memDoc),
		listeners: make(map[uint64]*memListener),
		logger:    logger,
	}
}

func (m *Memory) Get(ctx context.Context, path string) (*DocumentSnapshot, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.docs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errs.ErrNotFound, path)
	}
	return &DocumentSnapshot{Path: path, Data: CloneDocument(d.data), Exists: true}, nil
}

func (m *Memory) Set(ctx context.Context, path string, data models.Document) error {
	if err := m.beginWrite(ctx); err != nil {
		return err
	}
	return m.commit(nil, []write{{path: path, data: CloneDocument(data)}})
}

func (m *Memory) Update(ctx context.Context, path string, fields models.Document) error {
	if err := m.beginWrite(ctx); err != nil {
		return err
	}
	return m.commit(nil, []write{{path: path, data: CloneDocument(fields), update: true}})
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	if err := m.beginWrite(ctx); err != nil {
		return err
	}
	return m.commit(nil, []write{{path: path, delete: true}})
}

func (m *Memory) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error {
	if err := m.beginWrite(ctx); err != nil {
		return err
	}
	for attempt := 0; attempt < maxTransactionAttempts; attempt++ {
		tx := &memTx{m: m, reads: make(map[string]uint64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if tx.err != nil {
			return tx.err
		}
		err := m.commit(tx.reads, tx.writes)
		if errors.Is(err, errConflict) {
			m.logger.WithField("attempt", attempt+1).Debug("Transaction conflict, retrying")
			continue
		}
		return err
	}
	return fmt.Errorf("%w: transaction contention", errs.ErrUnavailable)
}

func (m *Memory) List(ctx context.Context, q Query) ([]*DocumentSnapshot, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneSnapshots(q.Apply(m.candidates(q))), nil
}

func (m *Memory) Subscribe(ctx context.Context, q Query) (*stream.Stream[*QuerySnapshot], error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	s := stream.New[*QuerySnapshot](func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	})
	l := &memListener{q: q, s: s, last: make(map[string]models.Document)}
	m.listeners[id] = l

	docs := q.Apply(m.candidates(q))
	changes := Diff(l.last, docs, m.existsLocked)
	for _, d := range docs {
		l.last[d.Path] = d.Data
	}
	s.Send(&QuerySnapshot{Docs: cloneSnapshots(docs), Changes: cloneChanges(changes)})
	return s, nil
}

func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	listeners := make([]*memListener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()
	for _, l := range listeners {
		l.s.Finish()
	}
	return nil
}

// FailWrites makes every following write fail with err until called with nil
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// HoldWrites blocks writes until the returned release function is called
func (m *Memory) HoldWrites() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gate == gate {
				m.gate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// RevokeAccess denies every following call and ends live listeners with
// errs.ErrPermissionDenied, the way a store behaves after sign-out
func (m *Memory) RevokeAccess() {
	m.FailListeners(errs.ErrPermissionDenied)
	m.mu.Lock()
	m.denied = true
	m.mu.Unlock()
}

// RestoreAccess undoes RevokeAccess
func (m *Memory) RestoreAccess() {
	m.mu.Lock()
	m.denied = false
	m.mu.Unlock()
}

// FailListeners ends every live listener with err
func (m *Memory) FailListeners(err error) {
	m.mu.Lock()
	listeners := make([]*memListener, 0, len(m.listeners))
	for id, l := range m.listeners {
		listeners = append(listeners, l)
		delete(m.listeners, id)
	}
	m.mu.Unlock()
	for _, l := range listeners {
		l.s.Fail(err)
	}
}

// Listeners returns the number of live listeners
func (m *Memory) Listeners() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errs.FromContext(err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.denied {
		return errs.ErrPermissionDenied
	}
	return nil
}

func (m *Memory) beginWrite(ctx context.Context) error {
	m.mu.RLock()
	gate := m.gate
	m.mu.RUnlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return errs.FromContext(ctx.Err())
		}
	}
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writeErr
}

var errConflict = errors.New("transaction conflict")

func (m *Memory) commit(reads map[string]uint64, writes []write) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, version := range reads {
		var current uint64
		if d, ok := m.docs[path]; ok {
			current = d.version
		}
		if current != version {
			return errConflict
		}
	}

	present := make(map[string]bool, len(writes))
	for _, w := range writes {
		exists, seen := present[w.path]
		if !seen {
			_, exists = m.docs[w.path]
		}
		if w.update && !exists {
			return fmt.Errorf("%w: %s", errs.ErrNotFound, w.path)
		}
		present[w.path] = !w.delete
	}

	for _, w := range writes {
		d, exists := m.docs[w.path]
		switch {
		case w.delete:
			delete(m.docs, w.path)
		case w.update:
			if !exists {
				return fmt.Errorf("%w: %s", errs.ErrNotFound, w.path)
			}
			d.data = ApplyUpdate(d.data, w.data)
			d.version++
		default:
			var version uint64 = 1
			if exists {
				version = d.version + 1
			}
			m.docs[w.path] = &memDoc{data: w.data, version: version}
		}
	}
	m.notifyLocked(writes)
	return nil
}

func (m *Memory) notifyLocked(writes []write) {
	for _, l := range m.listeners {
		touched := false
		for _, w := range writes {
			if l.q.Covers(w.path) {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}

		docs := l.q.Apply(m.candidates(l.q))
		changes := Diff(l.last, docs, m.existsLocked)
		if len(changes) == 0 {
			continue
		}
		l.last = make(map[string]models.Document, len(docs))
		for _, d := range docs {
			l.last[d.Path] = d.Data
		}
		l.s.Send(&QuerySnapshot{Docs: cloneSnapshots(docs), Changes: cloneChanges(changes)})
	}
}

func (m *Memory) candidates(q Query) []*DocumentSnapshot {
	if q.Path != "" {
		if d, ok := m.docs[q.Path]; ok {
			return []*DocumentSnapshot{{Path: q.Path, Data: d.data, Exists: true}}
		}
		return nil
	}
	out := make([]*DocumentSnapshot, 0)
	for path, d := range m.docs {
		if ParentPath(path) == q.Collection {
			out = append(out, &DocumentSnapshot{Path: path, Data: d.data, Exists: true})
		}
	}
	return out
}

func (m *Memory) existsLocked(path string) bool {
	_, ok := m.docs[path]
	return ok
}

func cloneSnapshots(docs []*DocumentSnapshot) []*DocumentSnapshot {
	out := make([]*DocumentSnapshot, len(docs))
	for i, d := range docs {
		out[i] = &DocumentSnapshot{Path: d.Path, Data: CloneDocument(d.Data), Exists: d.Exists}
	}
	return out
}

func cloneChanges(changes []Change) []Change {
	out := make([]Change, len(changes))
	for i, c := range changes {
		out[i] = Change{
			Type:    c.Type,
			Doc:     &DocumentSnapshot{Path: c.Doc.Path, Data: CloneDocument(c.Doc.Data), Exists: c.Doc.Exists},
			Deleted: c.Deleted,
		}
	}
	return out
}

type memTx struct {
	m      *Memory
	reads  map[string]uint64
	writes []write
	err    error
}

func (t *memTx) Get(path string) (*DocumentSnapshot, error) {
	if len(t.writes) > 0 {
		t.err = errReadAfterWrite
		return nil, errReadAfterWrite
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()

	d, ok := t.m.docs[path]
	if !ok {
		t.reads[path] = 0
		return &DocumentSnapshot{Path: path}, nil
	}
	t.reads[path] = d.version
	return &DocumentSnapshot{Path: path, Data: CloneDocument(d.data), Exists: true}, nil
}

func (t *memTx) Set(path string, data models.Document) {
	t.writes = append(t.writes, write{path: path, data: CloneDocument(data)})
}

func (t *memTx) Update(path string, fields models.Document) {
	t.writes = append(t.writes, write{path: path, data: CloneDocument(fields), update: true})
}

func (t *memTx) Delete(path string) {
	t.writes = append(t.writes, write{path: path, delete: true})
}
