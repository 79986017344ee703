package remote

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lingosync-go/internal/config"
	"github.com/lingosync-go/internal/errs"
	"github.com/lingosync-go/internal/models"
	"github.com/lingosync-go/pkg/stream"
)

const (
	fieldID     = "_id"
	fieldParent = "_parent"

	codeUnauthorized = 13
)

// Mongo stores every document of the tree in one collection keyed by its
// full path. Listeners use change streams, so the server must run as a
// replica set.
type Mongo struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
	logger  *logrus.Logger
}

// NewMongo connects and pings the server
func NewMongo(cfg config.MongoConfig, logger *logrus.Logger) (*Mongo, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	if _, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: fieldParent, Value: 1}}}); err != nil {
		logger.WithError(err).Warn("Failed to ensure parent index")
	}

	logger.WithFields(logrus.Fields{
		"database":   cfg.Database,
		"collection": cfg.Collection,
	}).Info("MongoDB remote initialized")

	return &Mongo{client: client, coll: coll, timeout: timeout, logger: logger}, nil
}

func (m *Mongo) Get(ctx context.Context, path string) (*DocumentSnapshot, error) {
	var raw bson.M
	err := m.coll.FindOne(ctx, bson.M{fieldID: path}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", errs.ErrNotFound, path)
	}
	if err != nil {
		return nil, mapMongoError(err)
	}
	return &DocumentSnapshot{Path: path, Data: fromBSON(raw), Exists: true}, nil
}

func (m *Mongo) Set(ctx context.Context, path string, data models.Document) error {
	_, err := m.coll.ReplaceOne(ctx, bson.M{fieldID: path}, toBSON(path, data), options.Replace().SetUpsert(true))
	return mapMongoError(err)
}

func (m *Mongo) Update(ctx context.Context, path string, fields models.Document) error {
	res, err := m.coll.UpdateOne(ctx, bson.M{fieldID: path}, updateSpec(fields))
	if err != nil {
		return mapMongoError(err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", errs.ErrNotFound, path)
	}
	return nil
}

func (m *Mongo) Delete(ctx context.Context, path string) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{fieldID: path})
	return mapMongoError(err)
}

func (m *Mongo) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error {
	sess, err := m.client.StartSession()
	if err != nil {
		return mapMongoError(err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		tx := &mongoTx{m: m, ctx: sc}
		if err := fn(sc, tx); err != nil {
			return nil, err
		}
		if tx.err != nil {
			return nil, tx.err
		}
		for _, w := range tx.writes {
			if err := m.apply(sc, w); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return mapMongoError(err)
}

func (m *Mongo) apply(ctx context.Context, w write) error {
	switch {
	case w.delete:
		return m.Delete(ctx, w.path)
	case w.update:
		return m.Update(ctx, w.path, w.data)
	default:
		return m.Set(ctx, w.path, w.data)
	}
}

func (m *Mongo) List(ctx context.Context, q Query) ([]*DocumentSnapshot, error) {
	return m.query(ctx, q)
}

func (m *Mongo) Subscribe(ctx context.Context, q Query) (*stream.Stream[*QuerySnapshot], error) {
	sctx, cancel := context.WithCancel(ctx)

	cs, err := m.coll.Watch(sctx, mongo.Pipeline{watchStage(q)})
	if err != nil {
		cancel()
		return nil, mapMongoError(err)
	}

	s := stream.New[*QuerySnapshot](cancel)
	go m.listen(sctx, q, cs, s)
	return s, nil
}

func (m *Mongo) listen(ctx context.Context, q Query, cs *mongo.ChangeStream, s *stream.Stream[*QuerySnapshot]) {
	defer func() {
		_ = cs.Close(context.Background())
	}()

	log := m.logger.WithField("query", q.Key())
	last := make(map[string]models.Document)
	emit := func(initial bool) error {
		docs, err := m.query(ctx, q)
		if err != nil {
			return err
		}
		changes := Diff(last, docs, func(path string) bool {
			_, err := m.Get(ctx, path)
			return err == nil
		})
		if len(changes) == 0 && !initial {
			return nil
		}
		last = make(map[string]models.Document, len(docs))
		for _, d := range docs {
			last[d.Path] = d.Data
		}
		s.Send(&QuerySnapshot{Docs: docs, Changes: changes})
		return nil
	}

	if err := emit(true); err != nil {
		s.Fail(err)
		return
	}
	for cs.Next(ctx) {
		if err := emit(false); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.Fail(err)
			return
		}
	}
	if err := cs.Err(); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("Change stream ended with error")
		s.Fail(mapMongoError(err))
		return
	}
	s.Finish()
}

func (m *Mongo) query(ctx context.Context, q Query) ([]*DocumentSnapshot, error) {
	if q.Path != "" {
		doc, err := m.Get(ctx, q.Path)
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*DocumentSnapshot{doc}, nil
	}

	filter := bson.M{fieldParent: q.Collection}
	for _, f := range q.Filters {
		switch f.Op {
		case OpEqual, OpArrayContains:
			// an equality match on an array field matches any element
			filter[f.Field] = f.Value
		default:
			return nil, fmt.Errorf("%w: unsupported operator %s", errs.ErrInvalidArgument, f.Op)
		}
	}
	opts := options.Find()
	sortSpec := bson.D{}
	if q.OrderBy != "" {
		dir := 1
		if q.Descending {
			dir = -1
		}
		sortSpec = append(sortSpec, bson.E{Key: q.OrderBy, Value: dir})
	}
	sortSpec = append(sortSpec, bson.E{Key: fieldID, Value: 1})
	opts.SetSort(sortSpec)
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapMongoError(err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var raws []bson.M
	if err := cursor.All(ctx, &raws); err != nil {
		return nil, mapMongoError(err)
	}
	out := make([]*DocumentSnapshot, 0, len(raws))
	for _, raw := range raws {
		path, _ := raw[fieldID].(string)
		out = append(out, &DocumentSnapshot{Path: path, Data: fromBSON(raw), Exists: true})
	}
	return out, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func watchStage(q Query) bson.D {
	if q.Path != "" {
		return bson.D{{Key: "$match", Value: bson.M{"documentKey._id": q.Path}}}
	}
	pattern := "^" + regexp.QuoteMeta(q.Collection) + "/[^/]+$"
	return bson.D{{Key: "$match", Value: bson.M{"documentKey._id": bson.M{"$regex": pattern}}}}
}

func toBSON(path string, data models.Document) bson.M {
	out := make(bson.M, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	out[fieldID] = path
	out[fieldParent] = ParentPath(path)
	return out
}

func updateSpec(fields models.Document) bson.M {
	set := bson.M{}
	unset := bson.M{}
	for k, v := range fields {
		if v == nil {
			unset[k] = ""
			continue
		}
		set[k] = v
	}
	spec := bson.M{}
	if len(set) > 0 {
		spec["$set"] = set
	}
	if len(unset) > 0 {
		spec["$unset"] = unset
	}
	return spec
}

// fromBSON converts driver types into the plain shapes the parsers expect
func fromBSON(raw bson.M) models.Document {
	out := make(models.Document, len(raw))
	for k, v := range raw {
		if k == fieldID || k == fieldParent {
			continue
		}
		out[k] = normalize(v)
	}
	return out
}

func normalize(v any) any {
	switch t := v.(type) {
	case primitive.M:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = normalize(x)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = normalize(x)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case primitive.A:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = normalize(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = normalize(x)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	case int32:
		return int64(t)
	default:
		return v
	}
}

func mapMongoError(err error) error {
	if err == nil {
		return nil
	}
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(codeUnauthorized) {
		return fmt.Errorf("%w: %v", errs.ErrPermissionDenied, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.FromContext(err)
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
	}
	return err
}

type mongoTx struct {
	m      *Mongo
	ctx    context.Context
	writes []write
	err    error
}

func (t *mongoTx) Get(path string) (*DocumentSnapshot, error) {
	if len(t.writes) > 0 {
		t.err = errReadAfterWrite
		return nil, errReadAfterWrite
	}
	doc, err := t.m.Get(t.ctx, path)
	if errors.Is(err, errs.ErrNotFound) {
		return &DocumentSnapshot{Path: path}, nil
	}
	return doc, err
}

func (t *mongoTx) Set(path string, data models.Document) {
	t.writes = append(t.writes, write{path: path, data: data})
}

func (t *mongoTx) Update(path string, fields models.Document) {
	t.writes = append(t.writes, write{path: path, data: fields, update: true})
}

func (t *mongoTx) Delete(path string) {
	t.writes = append(t.writes, write{path: path, delete: true})
}
