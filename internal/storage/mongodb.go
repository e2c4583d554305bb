package storage

import (
	"context"
	"errors"
	"time"

	"payment-recovery/internal/models"

	"github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	colEvents   = "webhook_events"
	colDedup    = "dedup_records"
	colStates   = "processing_states"
	colEntries  = "ordering_entries"
	colKeys     = "idempotency_keys"
	colFailures = "payment_failures"
	colActions  = "recovery_actions"
	colAccess   = "access_states"
	colAudit    = "audit_log"
)

type MongoDB struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

func NewMongoDB(uri, database string, logger *zap.Logger) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(uri).
		SetMaxPoolSize(100).
		SetMaxConnIdleTime(30 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetSocketTimeout(30 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}

	// Ping the database to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	logger.Info("Successfully connected to MongoDB", zap.String("database", database))

	m := &MongoDB{
		client: client,
		db:     client.Database(database),
		logger: logger,
	}
	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MongoDB) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := map[string][]mongo.IndexModel{
		colEvents: {
			{Keys: bson.D{{Key: "source_event_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "received_at", Value: 1}}},
			{Keys: bson.D{{Key: "entity_type", Value: 1}, {Key: "entity_id", Value: 1}}},
		},
		colDedup: {
			{Keys: bson.D{{Key: "last_seen_at", Value: 1}}},
		},
		colEntries: {
			{Keys: bson.D{{Key: "entity_type", Value: 1}, {Key: "entity_id", Value: 1}, {Key: "sequence_number", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "dependency_satisfied", Value: 1}, {Key: "status", Value: 1}, {Key: "priority", Value: -1}}},
		},
		colKeys: {
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
		colFailures: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "subscription_id", Value: 1}, {Key: "status", Value: 1}}},
		},
		colActions: {
			{Keys: bson.D{{Key: "failure_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduled_at", Value: 1}}},
		},
		colAccess: {
			{Keys: bson.D{{Key: "level", Value: 1}}},
		},
		colAudit: {
			{Keys: bson.D{{Key: "failure_id", Value: 1}, {Key: "at", Value: 1}}},
			{Keys: bson.D{{Key: "subject_id", Value: 1}}},
		},
	}
	for col, idx := range indexes {
		if _, err := m.db.Collection(col).Indexes().CreateMany(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks the primary is reachable.
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func (m *MongoDB) col(name string) *mongo.Collection {
	return m.db.Collection(name)
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func stateID(key models.EntityKey) string {
	return key.String()
}

// replaceVersioned swaps doc in only if the stored version still equals version.
func (m *MongoDB) replaceVersioned(ctx context.Context, col, id string, version int64, doc any) error {
	res, err := m.col(col).ReplaceOne(ctx, bson.M{"_id": id, "version": version}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := m.col(col).CountDocuments(ctx, bson.M{"_id": id})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// Events

func (m *MongoDB) InsertEvent(ctx context.Context, event *models.WebhookEvent) error {
	if event.Status == "" {
		event.Status = models.EventStatusPending
	}
	_, err := m.col(colEvents).InsertOne(ctx, event)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		m.logger.Error("Failed to insert event",
			zap.Error(err),
			zap.String("source_event_id", event.SourceEventID))
	}
	return err
}

func (m *MongoDB) GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := m.col(colEvents).FindOne(ctx, bson.M{"_id": id}).Decode(&event); err != nil {
		return nil, notFound(err)
	}
	return &event, nil
}

func (m *MongoDB) GetEventBySourceID(ctx context.Context, sourceEventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := m.col(colEvents).FindOne(ctx, bson.M{"source_event_id": sourceEventID}).Decode(&event); err != nil {
		return nil, notFound(err)
	}
	return &event, nil
}

func (m *MongoDB) SetEventSequence(ctx context.Context, id string, sequence int64) error {
	res, err := m.col(colEvents).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"sequence_number": sequence}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoDB) TransitionEvent(ctx context.Context, id string, to models.EventStatus, lastError string, now time.Time) (*models.WebhookEvent, error) {
	var from []models.EventStatus
	for _, s := range []models.EventStatus{models.EventStatusPending, models.EventStatusProcessing} {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	if len(from) == 0 {
		return nil, ErrConflict
	}

	filter := bson.M{"_id": id, "status": bson.M{"$in": from}}
	update := bson.M{"$set": bson.M{
		"status":     to,
		"last_error": lastError,
		"updated_at": now,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var event models.WebhookEvent
	err := m.col(colEvents).FindOneAndUpdate(ctx, filter, update, opts).Decode(&event)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, getErr := m.GetEvent(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (m *MongoDB) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := m.col(colEvents).DeleteMany(ctx, bson.M{
		"received_at": bson.M{"$lt": before},
		"status": bson.M{"$in": []models.EventStatus{
			models.EventStatusCompleted, models.EventStatusFailed, models.EventStatusSkipped,
		}},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// Dedup

func (m *MongoDB) ObserveDedup(ctx context.Context, hash, eventID string, now time.Time, window time.Duration) (*models.DedupRecord, bool, error) {
	cutoff := now.Add(-window)
	for attempt := 0; attempt < 3; attempt++ {
		var rec models.DedupRecord
		err := m.col(colDedup).FindOneAndUpdate(ctx,
			bson.M{"_id": hash, "last_seen_at": bson.M{"$gte": cutoff}},
			bson.M{"$set": bson.M{"last_seen_at": now}, "$inc": bson.M{"occurrence_count": 1}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&rec)
		if err == nil {
			return &rec, false, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, err
		}

		fresh := &models.DedupRecord{
			DedupHash:        hash,
			FirstSeenAt:      now,
			LastSeenAt:       now,
			OccurrenceCount:  1,
			ProcessedEventID: eventID,
		}
		_, err = m.col(colDedup).InsertOne(ctx, fresh)
		if err == nil {
			return fresh, true, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, err
		}

		// A stale record exists; take it over unless another writer refreshed it.
		res, err := m.col(colDedup).ReplaceOne(ctx, bson.M{"_id": hash, "last_seen_at": bson.M{"$lt": cutoff}}, fresh)
		if err != nil {
			return nil, false, err
		}
		if res.MatchedCount == 1 {
			return fresh, true, nil
		}
	}
	return nil, false, ErrConflict
}

func (m *MongoDB) PurgeDedup(ctx context.Context, before time.Time) (int64, error) {
	res, err := m.col(colDedup).DeleteMany(ctx, bson.M{"last_seen_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// Ordering

func (m *MongoDB) NextSequence(ctx context.Context, key models.EntityKey, now time.Time) (int64, error) {
	var st models.ProcessingState
	err := m.col(colStates).FindOneAndUpdate(ctx,
		bson.M{"_id": stateID(key)},
		bson.M{
			"$inc": bson.M{"current_sequence_number": 1, "version": 1},
			"$set": bson.M{"updated_at": now},
			"$setOnInsert": bson.M{
				"entity_type":             key.Type,
				"entity_id":               key.ID,
				"last_processed_sequence": 0,
				"consecutive_failures":    0,
			},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&st)
	if err != nil {
		return 0, err
	}
	return st.CurrentSequenceNumber, nil
}

func (m *MongoDB) GetProcessingState(ctx context.Context, key models.EntityKey) (*models.ProcessingState, error) {
	var st models.ProcessingState
	err := m.col(colStates).FindOne(ctx, bson.M{"_id": stateID(key)}).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &models.ProcessingState{EntityType: key.Type, EntityID: key.ID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (m *MongoDB) AdvanceCursor(ctx context.Context, key models.EntityKey, expected, next int64, now time.Time) error {
	res, err := m.col(colStates).UpdateOne(ctx,
		bson.M{"_id": stateID(key), "last_processed_sequence": expected},
		bson.M{
			"$set": bson.M{"last_processed_sequence": next, "updated_at": now},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

func (m *MongoDB) RecordEntityFailure(ctx context.Context, key models.EntityKey, reset bool, now time.Time) error {
	update := bson.M{"$inc": bson.M{"consecutive_failures": 1}, "$set": bson.M{"updated_at": now}}
	if reset {
		update = bson.M{"$set": bson.M{"consecutive_failures": 0, "updated_at": now}}
	}
	_, err := m.col(colStates).UpdateOne(ctx, bson.M{"_id": stateID(key)}, update)
	return err
}

func (m *MongoDB) InsertEntry(ctx context.Context, entry *models.OrderingEntry) error {
	entry.Version = 1
	_, err := m.col(colEntries).InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (m *MongoDB) GetEntry(ctx context.Context, key models.EntityKey, sequence int64) (*models.OrderingEntry, error) {
	var entry models.OrderingEntry
	err := m.col(colEntries).FindOne(ctx, bson.M{
		"entity_type":     key.Type,
		"entity_id":       key.ID,
		"sequence_number": sequence,
	}).Decode(&entry)
	if err != nil {
		return nil, notFound(err)
	}
	return &entry, nil
}

func (m *MongoDB) UpdateEntry(ctx context.Context, entry *models.OrderingEntry) error {
	next := *entry
	next.Version++
	if err := m.replaceVersioned(ctx, colEntries, entry.ID, entry.Version, &next); err != nil {
		return err
	}
	entry.Version = next.Version
	return nil
}

func (m *MongoDB) ReadyEntities(ctx context.Context, now time.Time, claimTimeout time.Duration, limit int) ([]models.EntityKey, error) {
	// Only the head entry of an entity ever has its dependency satisfied while
	// queued, so this query never returns an entity that must still wait.
	filter := bson.M{
		"dependency_satisfied": true,
		"$or": []bson.M{
			{"status": models.QueueStatusQueued, "next_attempt_at": bson.M{"$lte": now}},
			{"status": models.QueueStatusProcessing, "claimed_at": bson.M{"$lte": now.Add(-claimTimeout)}},
		},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}}).
		SetProjection(bson.M{"entity_type": 1, "entity_id": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.col(colEntries).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var keys []models.EntityKey
	seen := make(map[models.EntityKey]bool)
	for cursor.Next(ctx) {
		var k models.EntityKey
		if err := cursor.Decode(&k); err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys, cursor.Err()
}

func (m *MongoDB) ListEntriesByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]*models.OrderingEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.col(colEntries).Find(ctx, bson.M{"status": status}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []*models.OrderingEntry
	if err = cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *MongoDB) CountEntries(ctx context.Context, status models.QueueStatus) (int64, error) {
	return m.col(colEntries).CountDocuments(ctx, bson.M{"status": status})
}

// Idempotency

func (m *MongoDB) AcquireKey(ctx context.Context, key *models.IdempotencyKey, now time.Time) (*models.IdempotencyKey, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		_, err := m.col(colKeys).InsertOne(ctx, key)
		if err == nil {
			return key, true, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return nil, false, err
		}

		existing, err := m.GetKey(ctx, key.KeyHash)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if !existing.Expired(now) {
			return existing, false, nil
		}

		res, err := m.col(colKeys).ReplaceOne(ctx, bson.M{"_id": key.KeyHash, "expires_at": existing.ExpiresAt}, key)
		if err != nil {
			return nil, false, err
		}
		if res.MatchedCount == 1 {
			return key, true, nil
		}
	}
	return nil, false, ErrConflict
}

func (m *MongoDB) FinishKey(ctx context.Context, hash string, status models.KeyStatus, result json.RawMessage, errMsg string, now time.Time) error {
	res, err := m.col(colKeys).UpdateOne(ctx, bson.M{"_id": hash}, bson.M{"$set": bson.M{
		"status":      status,
		"result_data": []byte(result),
		"error":       errMsg,
		"updated_at":  now,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoDB) GetKey(ctx context.Context, hash string) (*models.IdempotencyKey, error) {
	var key models.IdempotencyKey
	if err := m.col(colKeys).FindOne(ctx, bson.M{"_id": hash}).Decode(&key); err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

func (m *MongoDB) PurgeKeys(ctx context.Context, before time.Time) (int64, error) {
	res, err := m.col(colKeys).DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// Failures

func (m *MongoDB) InsertFailure(ctx context.Context, failure *models.PaymentFailure) error {
	failure.Version = 1
	_, err := m.col(colFailures).InsertOne(ctx, failure)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (m *MongoDB) GetFailure(ctx context.Context, id string) (*models.PaymentFailure, error) {
	var f models.PaymentFailure
	if err := m.col(colFailures).FindOne(ctx, bson.M{"_id": id}).Decode(&f); err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

func (m *MongoDB) FindActiveFailure(ctx context.Context, customerID, subscriptionID string) (*models.PaymentFailure, error) {
	var f models.PaymentFailure
	err := m.col(colFailures).FindOne(ctx,
		bson.M{
			"customer_id":     customerID,
			"subscription_id": subscriptionID,
			"status":          bson.M{"$in": []models.FailureStatus{models.FailureStatusOpen, models.FailureStatusManualReview}},
		},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&f)
	if err != nil {
		return nil, notFound(err)
	}
	return &f, nil
}

func (m *MongoDB) ListActiveFailures(ctx context.Context, customerID string) ([]*models.PaymentFailure, error) {
	cur, err := m.col(colFailures).Find(ctx,
		bson.M{
			"customer_id": customerID,
			"status":      bson.M{"$in": []models.FailureStatus{models.FailureStatusOpen, models.FailureStatusManualReview}},
		},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var out []*models.PaymentFailure
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *MongoDB) UpdateFailure(ctx context.Context, failure *models.PaymentFailure) error {
	next := *failure
	next.Version++
	if err := m.replaceVersioned(ctx, colFailures, failure.ID, failure.Version, &next); err != nil {
		return err
	}
	failure.Version = next.Version
	return nil
}

// Actions

func (m *MongoDB) InsertAction(ctx context.Context, action *models.RecoveryAction) error {
	action.Version = 1
	_, err := m.col(colActions).InsertOne(ctx, action)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (m *MongoDB) GetAction(ctx context.Context, id string) (*models.RecoveryAction, error) {
	var a models.RecoveryAction
	if err := m.col(colActions).FindOne(ctx, bson.M{"_id": id}).Decode(&a); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (m *MongoDB) UpdateAction(ctx context.Context, action *models.RecoveryAction) error {
	next := *action
	next.Version++
	if err := m.replaceVersioned(ctx, colActions, action.ID, action.Version, &next); err != nil {
		return err
	}
	action.Version = next.Version
	return nil
}

func (m *MongoDB) ListActions(ctx context.Context, failureID string) ([]*models.RecoveryAction, error) {
	cursor, err := m.col(colActions).Find(ctx, bson.M{"failure_id": failureID})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var actions []*models.RecoveryAction
	if err = cursor.All(ctx, &actions); err != nil {
		return nil, err
	}
	models.SortActions(actions)
	return actions, nil
}

func (m *MongoDB) DueActions(ctx context.Context, now, staleBefore time.Time, limit int) ([]*models.RecoveryAction, error) {
	filter := bson.M{"$or": []bson.M{
		{"status": models.ActionStatusScheduled, "scheduled_at": bson.M{"$lte": now}},
		{"status": models.ActionStatusExecuting, "started_at": bson.M{"$lte": staleBefore}},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "scheduled_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.col(colActions).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var actions []*models.RecoveryAction
	if err = cursor.All(ctx, &actions); err != nil {
		return nil, err
	}
	models.SortActions(actions)
	return actions, nil
}

// Access

func (m *MongoDB) GetAccessState(ctx context.Context, customerID string) (*models.AccessState, error) {
	var s models.AccessState
	if err := m.col(colAccess).FindOne(ctx, bson.M{"_id": customerID}).Decode(&s); err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (m *MongoDB) SaveAccessState(ctx context.Context, state *models.AccessState) error {
	next := *state
	next.Version++
	if state.Version == 0 {
		_, err := m.col(colAccess).InsertOne(ctx, &next)
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		if err != nil {
			return err
		}
	} else if err := m.replaceVersioned(ctx, colAccess, state.CustomerID, state.Version, &next); err != nil {
		return err
	}
	state.Version = next.Version
	return nil
}

func (m *MongoDB) ListRestrictedAccess(ctx context.Context, limit int) ([]*models.AccessState, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := m.col(colAccess).Find(ctx, bson.M{"level": bson.M{"$ne": models.AccessFull}}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var states []*models.AccessState
	if err = cursor.All(ctx, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// Audit

func (m *MongoDB) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	_, err := m.col(colAudit).InsertOne(ctx, entry)
	return err
}

func (m *MongoDB) ListAudit(ctx context.Context, failureID string) ([]*models.AuditEntry, error) {
	filter := bson.M{}
	if failureID != "" {
		filter["failure_id"] = failureID
	}
	cursor, err := m.col(colAudit).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var entries []*models.AuditEntry
	if err = cursor.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *MongoDB) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := m.col(colAudit).DeleteMany(ctx, bson.M{"at": bson.M{"$lt": before}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
