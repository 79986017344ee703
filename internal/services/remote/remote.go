// Package remote abstracts the real-time document store the sync engine
// mirrors from. Paths look like "conversations/<id>/messages/<id>"; a
// collection path is a document path minus its last segment.
package remote

import (
	"context"
	"sort"
	"strings"

	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/pkg/stream"
)

// Source is the remote document store
type Source interface {
	// Get returns errs.ErrNotFound when the document does not exist
	Get(ctx context.Context, path string) (*DocumentSnapshot, error)
	Set(ctx context.Context, path string, data models.Document) error
	// Update merges fields into an existing document. Dotted keys address
	// nested map entries.
	Update(ctx context.Context, path string, fields models.Document) error
	Delete(ctx context.Context, path string) error
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
	// List runs a query once
	List(ctx context.Context, q Query) ([]*DocumentSnapshot, error)
	// Subscribe streams query snapshots, starting with the current result.
	// The stream fails with errs.ErrPermissionDenied when access is revoked.
	Subscribe(ctx context.Context, q Query) (*stream.Stream[*QuerySnapshot], error)
	Close(ctx context.Context) error
}

// Transaction is an atomic read-modify-write unit. Reads must happen before writes.
type Transaction interface {
	Get(path string) (*DocumentSnapshot, error)
	Set(path string, data models.Document)
	Update(path string, fields models.Document)
	Delete(path string)
}

// DocumentSnapshot is a document read at a point in time
type DocumentSnapshot struct {
	Path   string
	Data   models.Document
	Exists bool
}

// ID returns the last path segment
func (d *DocumentSnapshot) ID() string {
	return DocumentID(d.Path)
}

// ChangeType classifies a document change between two snapshots
type ChangeType int

const (
	ChangeAdded ChangeType = iota
	ChangeModified
	ChangeRemoved
)

func (c ChangeType) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one document difference. Removed means the document left the
// result set; Deleted tells whether it no longer exists at all.
type Change struct {
	Type    ChangeType
	Doc     *DocumentSnapshot
	Deleted bool
}

// QuerySnapshot is the result of a query at a point in time
type QuerySnapshot struct {
	Docs             []*DocumentSnapshot
	Changes          []Change
	FromCache        bool
	HasPendingWrites bool
}

// Operator of a query filter
type Operator string

const (
	OpEqual         Operator = "=="
	OpArrayContains Operator = "array-contains"
)

// Filter restricts a collection query by one field
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// Query selects a single document (Path) or documents of a collection
type Query struct {
	Path       string
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// DocumentQuery selects one document
func DocumentQuery(path string) Query {
	return Query{Path: path}
}

// CollectionQuery selects the documents of a collection
func CollectionQuery(collection string) Query {
	return Query{Collection: collection}
}

// Where adds a filter
func (q Query) Where(field string, op Operator, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

// Order sets the sort field
func (q Query) Order(field string, descending bool) Query {
	q.OrderBy = field
	q.Descending = descending
	return q
}

// WithLimit bounds the result size
func (q Query) WithLimit(n int) Query {
	q.Limit = n
	return q
}

// Key identifies the query for logging and deduplication
func (q Query) Key() string {
	if q.Path != "" {
		return q.Path
	}
	var b strings.Builder
	b.WriteString(q.Collection)
	for _, f := range q.Filters {
		b.WriteString("|")
		b.WriteString(f.Field)
		b.WriteString(string(f.Op))
		b.WriteString(toString(f.Value))
	}
	if q.OrderBy != "" {
		b.WriteString("|order:" + q.OrderBy)
		if q.Descending {
			b.WriteString(" desc")
		}
	}
	return b.String()
}

// Covers reports whether a write to path can change the query result
func (q Query) Covers(path string) bool {
	if q.Path != "" {
		return q.Path == path
	}
	return ParentPath(path) == q.Collection
}

// Matches evaluates the filters against a document of the collection
func (q Query) Matches(path string, data models.Document) bool {
	if q.Path != "" {
		return q.Path == path
	}
	if ParentPath(path) != q.Collection {
		return false
	}
	for _, f := range q.Filters {
		v := lookup(data, f.Field)
		switch f.Op {
		case OpEqual:
			if toString(v) != toString(f.Value) {
				return false
			}
		case OpArrayContains:
			if !arrayContains(v, f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Apply filters, orders and limits a candidate set
func (q Query) Apply(docs []*DocumentSnapshot) []*DocumentSnapshot {
	out := make([]*DocumentSnapshot, 0, len(docs))
	for _, d := range docs {
		if d.Exists && q.Matches(d.Path, d.Data) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy != "" {
			a, b := toFloat(lookup(out[i].Data, q.OrderBy)), toFloat(lookup(out[j].Data, q.OrderBy))
			if a != b {
				if q.Descending {
					return a > b
				}
				return a < b
			}
		}
		return out[i].Path < out[j].Path
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Diff computes the changes from prev to next result sets. exists reports
// whether a path that left the result set still exists.
func Diff(prev map[string]models.Document, next []*DocumentSnapshot, exists func(path string) bool) []Change {
	var changes []Change
	seen := make(map[string]struct{}, len(next))
	for _, d := range next {
		seen[d.Path] = struct{}{}
		old, ok := prev[d.Path]
		switch {
		case !ok:
			changes = append(changes, Change{Type: ChangeAdded, Doc: d})
		case !equalDocs(old, d.Data):
			changes = append(changes, Change{Type: ChangeModified, Doc: d})
		}
	}
	removed := make([]string, 0)
	for path := range prev {
		if _, ok := seen[path]; !ok {
			removed = append(removed, path)
		}
	}
	sort.Strings(removed)
	for _, path := range removed {
		changes = append(changes, Change{
			Type:    ChangeRemoved,
			Doc:     &DocumentSnapshot{Path: path, Data: prev[path], Exists: exists(path)},
			Deleted: !exists(path),
		})
	}
	return changes
}

// DocumentID returns the last segment of a path
func DocumentID(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// ParentPath returns the collection path of a document path
func ParentPath(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}

// CloneDocument deep copies a document
func CloneDocument(doc models.Document) models.Document {
	if doc == nil {
		return nil
	}
	return cloneValue(map[string]any(doc)).(map[string]any)
}

// ApplyUpdate merges fields into doc, expanding dotted keys into nested maps.
// A nil value removes the addressed key.
func ApplyUpdate(doc models.Document, fields models.Document) models.Document {
	out := CloneDocument(doc)
	if out == nil {
		out = models.Document{}
	}
	for key, value := range fields {
		parts := strings.Split(key, ".")
		target := map[string]any(out)
		for _, p := range parts[:len(parts)-1] {
			child, ok := target[p].(map[string]any)
			if !ok || child == nil {
				if d, isDoc := target[p].(models.Document); isDoc && d != nil {
					child = d
				} else {
					child = make(map[string]any)
				}
				target[p] = child
			}
			target = child
		}
		last := parts[len(parts)-1]
		if value == nil {
			delete(target, last)
			continue
		}
		target[last] = cloneValue(value)
	}
	return out
}
