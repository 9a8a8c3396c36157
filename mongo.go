package eventstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoMaxAttempts bounds the compare-and-swap loop in MongoStore.Upsert.
const mongoMaxAttempts = 5

// MongoStore implements Store on a MongoDB database. The caller owns the
// client. Collections: eventstore_events, eventstore_subscriptions and
// eventstore_meta.
//
// Upsert is an optimistic compare-and-swap: a replacement only applies if
// the record still has the checksum, status and last_scraped_at it was read
// with, and inserts rely on the unique source_url index. Conflicts are
// retried with the fresh record.
type MongoStore struct {
	events *mongo.Collection
	subs   *mongo.Collection
	meta   *mongo.Collection
}

type eventDoc struct {
	ID            bson.ObjectID `bson:"_id"`
	Title         *string       `bson:"title,omitempty"`
	StartTime     *time.Time    `bson:"start_time,omitempty"`
	Venue         *string       `bson:"venue,omitempty"`
	City          string        `bson:"city"`
	Description   *string       `bson:"description,omitempty"`
	Tags          []string      `bson:"tags"`
	ImageURL      *string       `bson:"image_url,omitempty"`
	SourceURL     *string       `bson:"source_url,omitempty"`
	SourceName    string        `bson:"source_name"`
	Status        string        `bson:"status"`
	Checksum      string        `bson:"checksum"`
	CreatedAt     time.Time     `bson:"created_at"`
	LastScrapedAt time.Time     `bson:"last_scraped_at"`
	ImportedBy    *string       `bson:"imported_by,omitempty"`
	ImportedAt    *time.Time    `bson:"imported_at,omitempty"`
	ImportNotes   *string       `bson:"import_notes,omitempty"`
}

type subscriptionDoc struct {
	ID        bson.ObjectID `bson:"_id"`
	EventID   bson.ObjectID `bson:"event_id"`
	Email     string        `bson:"email"`
	Consent   bool          `bson:"consent"`
	CreatedAt time.Time     `bson:"created_at"`
}

// NewMongoStore prepares db for event storage, creating indexes and
// checking the recorded FingerprintVersion.
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{
		events: db.Collection("eventstore_events"),
		subs:   db.Collection("eventstore_subscriptions"),
		meta:   db.Collection("eventstore_meta"),
	}

	eventIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "source_url", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"source_url": bson.M{"$type": "string"}}),
		},
		{Keys: bson.D{{Key: "checksum", Value: 1}}},
		{Keys: bson.D{{Key: "source_name", Value: 1}, {Key: "last_scraped_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "start_time", Value: 1}}},
	}
	if _, err := s.events.Indexes().CreateMany(ctx, eventIndexes); err != nil {
		return nil, storeErr("creating event indexes", err)
	}
	if _, err := s.subs.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: bson.D{{Key: "event_id", Value: 1}}}); err != nil {
		return nil, storeErr("creating subscription indexes", err)
	}

	if err := s.validateFingerprint(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) validateFingerprint(ctx context.Context) error {
	var doc struct {
		Value int `bson:"value"`
	}
	err := s.meta.FindOne(ctx, bson.M{"_id": "fingerprint_version"}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		_, err = s.meta.InsertOne(ctx, bson.M{"_id": "fingerprint_version", "value": FingerprintVersion})
		if err != nil && !mongo.IsDuplicateKeyError(err) {
			return storeErr("recording fingerprint version", err)
		}
		return nil
	}
	if err != nil {
		return storeErr("reading fingerprint version", err)
	}
	if doc.Value != FingerprintVersion {
		return fmt.Errorf("eventstore: fingerprint version mismatch: store has %d, code provides %d", doc.Value, FingerprintVersion)
	}
	return nil
}

// Upsert implements Store.
func (s *MongoStore) Upsert(ctx context.Context, ev Event, decide DecideFunc) (Outcome, error) {
	var filter bson.M
	if ev.SourceURL != nil && *ev.SourceURL != "" {
		filter = bson.M{"source_url": *ev.SourceURL}
	} else {
		filter = bson.M{"checksum": ev.Checksum}
	}

	for range mongoMaxAttempts {
		var cur eventDoc
		err := s.events.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "_id", Value: 1}})).Decode(&cur)
		var existing *Event
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
		case err != nil:
			return "", storeErr("looking up event", err)
		default:
			e := cur.event()
			existing = &e
		}

		next, outcome := decide(existing)

		if existing == nil {
			doc := newEventDoc(next, bson.NewObjectID())
			_, err := s.events.InsertOne(ctx, doc)
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			if err != nil {
				return "", storeErr("inserting event", err)
			}
			return outcome, nil
		}

		doc := newEventDoc(next, cur.ID)
		res, err := s.events.ReplaceOne(ctx, bson.D{
			{Key: "_id", Value: cur.ID},
			{Key: "checksum", Value: cur.Checksum},
			{Key: "status", Value: cur.Status},
			{Key: "last_scraped_at", Value: cur.LastScrapedAt},
		}, doc)
		if err != nil {
			return "", storeErr("replacing event", err)
		}
		if res.MatchedCount == 0 {
			continue
		}
		return outcome, nil
	}
	return "", fmt.Errorf("eventstore: upsert %s: too many concurrent writers", ev.Key())
}

// MarkInactive implements Store.
func (s *MongoStore) MarkInactive(ctx context.Context, sourceName string, cutoff time.Time) (int64, error) {
	filter := bson.M{
		"last_scraped_at": bson.M{"$lt": cutoff.UTC()},
		"status":          bson.M{"$nin": bson.A{string(StatusImported), string(StatusInactive)}},
	}
	if sourceName != "" {
		filter["source_name"] = sourceName
	}
	res, err := s.events.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"status": string(StatusInactive)}})
	if err != nil {
		return 0, storeErr("marking inactive", err)
	}
	return res.ModifiedCount, nil
}

// MarkImported implements Store.
func (s *MongoStore) MarkImported(ctx context.Context, id string, imp ImportMark) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("eventstore: event %q: %w", id, ErrNotFound)
	}
	set := bson.M{
		"status":      string(StatusImported),
		"imported_by": imp.By,
		"imported_at": imp.At.UTC(),
	}
	if imp.Notes != nil {
		set["import_notes"] = *imp.Notes
	}
	res, err := s.events.UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": set})
	if err != nil {
		return storeErr(fmt.Sprintf("importing event %s", id), err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("eventstore: event %q: %w", id, ErrNotFound)
	}
	return nil
}

// AddSubscription implements Store.
func (s *MongoStore) AddSubscription(ctx context.Context, sub Subscription) (string, error) {
	eventID, err := bson.ObjectIDFromHex(sub.EventID)
	if err != nil {
		return "", fmt.Errorf("eventstore: event %q: %w", sub.EventID, ErrNotFound)
	}
	n, err := s.events.CountDocuments(ctx, bson.M{"_id": eventID})
	if err != nil {
		return "", storeErr("checking event", err)
	}
	if n == 0 {
		return "", fmt.Errorf("eventstore: event %q: %w", sub.EventID, ErrNotFound)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	doc := subscriptionDoc{
		ID:        bson.NewObjectID(),
		EventID:   eventID,
		Email:     sub.Email,
		Consent:   sub.Consent,
		CreatedAt: sub.CreatedAt.UTC(),
	}
	if _, err := s.subs.InsertOne(ctx, doc); err != nil {
		return "", storeErr("inserting subscription", err)
	}
	return doc.ID.Hex(), nil
}

// Get implements Store.
func (s *MongoStore) Get(ctx context.Context, id string) (*Event, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}
	var doc eventDoc
	err = s.events.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(fmt.Sprintf("getting event %s", id), err)
	}
	ev := doc.event()
	return &ev, nil
}

// List implements Store. Events without a start time sort last.
func (s *MongoStore) List(ctx context.Context, opts QueryOpts) ([]Event, error) {
	var and bson.A
	if opts.Query != "" {
		re := bson.Regex{Pattern: regexp.QuoteMeta(opts.Query), Options: "i"}
		and = append(and, bson.M{"$or": bson.A{bson.M{"title": re}, bson.M{"description": re}, bson.M{"venue": re}}})
	}
	if opts.City != "" {
		re := bson.Regex{Pattern: regexp.QuoteMeta(opts.City), Options: "i"}
		and = append(and, bson.M{"$or": bson.A{bson.M{"city": re}, bson.M{"venue": re}}})
	}
	if opts.Status != "" {
		and = append(and, bson.M{"status": string(opts.Status)})
	}
	if opts.From != nil {
		and = append(and, bson.M{"start_time": bson.M{"$gte": opts.From.UTC()}})
	}
	if opts.To != nil {
		and = append(and, bson.M{"start_time": bson.M{"$lte": opts.To.UTC()}})
	}
	match := bson.M{}
	if len(and) > 0 {
		match["$and"] = and
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$addFields", Value: bson.M{"_nostart": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{bson.M{"$type": "$start_time"}, "date"}}, 0, 1,
		}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "_nostart", Value: 1}, {Key: "start_time", Value: 1}, {Key: "_id", Value: 1}}}},
	}
	if opts.Offset > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$skip", Value: int64(opts.Offset)}})
	}
	if opts.Limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: int64(opts.Limit)}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$project", Value: bson.M{"_nostart": 0}}})

	cur, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, storeErr("listing events", err)
	}
	return decodeEvents(ctx, cur)
}

// Active implements Store.
func (s *MongoStore) Active(ctx context.Context) ([]Event, error) {
	cur, err := s.events.Find(ctx,
		bson.M{"status": bson.M{"$ne": string(StatusInactive)}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, storeErr("listing active events", err)
	}
	return decodeEvents(ctx, cur)
}

// CountByStatus implements Store.
func (s *MongoStore) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	cur, err := s.events.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, storeErr("counting events", err)
	}
	var rows []struct {
		Status string `bson:"_id"`
		N      int64  `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, storeErr("decoding counts", err)
	}
	counts := make(map[Status]int64, len(rows))
	for _, r := range rows {
		counts[Status(r.Status)] = r.N
	}
	return counts, nil
}

// Close is a no-op; the caller owns the client.
func (s *MongoStore) Close() error { return nil }

func decodeEvents(ctx context.Context, cur *mongo.Cursor) ([]Event, error) {
	var docs []eventDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr("decoding events", err)
	}
	var events []Event
	for i := range docs {
		events = append(events, docs[i].event())
	}
	return events, nil
}

func newEventDoc(ev Event, id bson.ObjectID) eventDoc {
	tags := ev.Tags
	if tags == nil {
		tags = []string{}
	}
	doc := eventDoc{
		ID:            id,
		Title:         ev.Title,
		Venue:         ev.Venue,
		City:          ev.City,
		Description:   ev.Description,
		Tags:          tags,
		ImageURL:      ev.ImageURL,
		SourceURL:     ev.SourceURL,
		SourceName:    ev.SourceName,
		Status:        string(ev.Status),
		Checksum:      ev.Checksum,
		CreatedAt:     ev.CreatedAt.UTC(),
		LastScrapedAt: ev.LastScrapedAt.UTC(),
		ImportedBy:    ev.ImportedBy,
		ImportNotes:   ev.ImportNotes,
	}
	if ev.StartTime != nil {
		t := ev.StartTime.UTC()
		doc.StartTime = &t
	}
	if ev.ImportedAt != nil {
		t := ev.ImportedAt.UTC()
		doc.ImportedAt = &t
	}
	return doc
}

func (d *eventDoc) event() Event {
	ev := Event{
		ID:            d.ID.Hex(),
		Title:         d.Title,
		StartTime:     utcPtr(d.StartTime),
		Venue:         d.Venue,
		City:          d.City,
		Description:   d.Description,
		Tags:          d.Tags,
		ImageURL:      d.ImageURL,
		SourceURL:     d.SourceURL,
		SourceName:    d.SourceName,
		Status:        Status(d.Status),
		Checksum:      d.Checksum,
		CreatedAt:     d.CreatedAt.UTC(),
		LastScrapedAt: d.LastScrapedAt.UTC(),
		ImportedBy:    d.ImportedBy,
		ImportedAt:    utcPtr(d.ImportedAt),
		ImportNotes:   d.ImportNotes,
	}
	if len(ev.Tags) == 0 {
		ev.Tags = nil
	}
	return ev
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
