// Package mongo implements the Mongo-backed event store behind the dashboard
// queries.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	tokentap "github.com/tokentap/tokentap/internal"
)

const (
	eventsCollection  = "events"
	devicesCollection = "devices"

	defaultTimeout = 5 * time.Second
	defaultLimit   = 50
	maxLimit       = 200
)

// Store implements tokentap.EventStore on MongoDB.
type Store struct {
	client  *mongodriver.Client
	events  *mongodriver.Collection
	devices *mongodriver.Collection
	timeout time.Duration
}

// Options configures Open.
type Options struct {
	URI      string
	Database string
	Timeout  time.Duration
}

// eventDocument wraps the event with the Mongo object id.
type eventDocument struct {
	ID             bson.ObjectID  `bson:"_id,omitempty"`
	tokentap.Event `bson:",inline"`
}

// deviceDocument is one registration record in the devices collection.
type deviceDocument struct {
	ID          string         `bson:"_id"`
	Name        string         `bson:"name"`
	Metadata    map[string]any `bson:"metadata,omitempty"`
	FirstSeen   time.Time      `bson:"first_seen,omitempty"`
	LastUpdated time.Time      `bson:"last_updated"`
}

// Open connects to MongoDB and prepares the event store, creating indexes.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client, err := mongodriver.Connect(options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	db := client.Database(opts.Database)
	s := &Store{
		client:  client,
		events:  db.Collection(eventsCollection),
		devices: db.Collection(devicesCollection),
		timeout: timeout,
	}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ictx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}
	return s, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	models := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "model", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "context.program_name", Value: 1}}},
		{Keys: bson.D{{Key: "context.project_name", Value: 1}}},
		{Keys: bson.D{{Key: "program", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "project", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "device_id", Value: 1}}},
		{Keys: bson.D{{Key: "device.id", Value: 1}}},
		{Keys: bson.D{{Key: "is_token_consuming", Value: 1}}},
		{Keys: bson.D{{Key: "device_id", Value: 1}, {Key: "timestamp", Value: -1}}},
	}
	_, err := s.events.Indexes().CreateMany(ctx, models)
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// InsertEvent persists one flow event. A zero timestamp is filled in with the
// current time.
func (s *Store) InsertEvent(ctx context.Context, e *tokentap.Event) error {
	if e == nil {
		return errors.New("event is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	} else {
		e.Timestamp = e.Timestamp.UTC()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.events.InsertOne(ctx, eventDocument{Event: *e})
	if err != nil {
		return err
	}
	if oid, ok := res.InsertedID.(bson.ObjectID); ok {
		e.ID = oid.Hex()
	}
	return nil
}

// QueryEvents returns matching events newest first plus the total match count.
// The limit is clamped to 200.
func (s *Store) QueryEvents(ctx context.Context, f tokentap.EventFilter, skip, limit int) ([]*tokentap.Event, int64, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if skip < 0 {
		skip = 0
	}
	query := buildQuery(f)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	total, err := s.events.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, err
	}

	cur, err := s.events.Find(ctx, query, options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetSkip(int64(skip)).
		SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var events []*tokentap.Event
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, err
		}
		e := doc.Event
		e.ID = doc.ID.Hex()
		events = append(events, &e)
	}
	if err := cur.Err(); err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// GetEvent returns the event with the given hex id, or nil when the id is
// malformed or no event matches.
func (s *Store) GetEvent(ctx context.Context, id string) (*tokentap.Event, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc eventDocument
	err = s.events.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e := doc.Event
	e.ID = doc.ID.Hex()
	return &e, nil
}

// AggregateUsage sums the token counters over matching events.
func (s *Store) AggregateUsage(ctx context.Context, f tokentap.EventFilter) (*tokentap.UsageSummary, error) {
	pipeline := []bson.M{
		{"$match": buildQuery(f)},
		{"$group": bson.M{
			"_id":                         nil,
			"total_input_tokens":          bson.M{"$sum": "$input_tokens"},
			"total_output_tokens":         bson.M{"$sum": "$output_tokens"},
			"total_cache_creation_tokens": bson.M{"$sum": "$cache_creation_tokens"},
			"total_cache_read_tokens":     bson.M{"$sum": "$cache_read_tokens"},
			"request_count":               bson.M{"$sum": 1},
		}},
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	summary := &tokentap.UsageSummary{}
	if cur.Next(ctx) {
		var row struct {
			TotalInputTokens         int64 `bson:"total_input_tokens"`
			TotalOutputTokens        int64 `bson:"total_output_tokens"`
			TotalCacheCreationTokens int64 `bson:"total_cache_creation_tokens"`
			TotalCacheReadTokens     int64 `bson:"total_cache_read_tokens"`
			RequestCount             int64 `bson:"request_count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		summary.TotalInputTokens = row.TotalInputTokens
		summary.TotalOutputTokens = row.TotalOutputTokens
		summary.TotalCacheCreationTokens = row.TotalCacheCreationTokens
		summary.TotalCacheReadTokens = row.TotalCacheReadTokens
		summary.RequestCount = row.RequestCount
	}
	return summary, cur.Err()
}

// UsageByModel breaks token usage down by (provider, model), highest input
// first.
func (s *Store) UsageByModel(ctx context.Context, f tokentap.EventFilter) ([]tokentap.ModelUsage, error) {
	pipeline := []bson.M{
		{"$match": buildQuery(f)},
		{"$group": bson.M{
			"_id":                   bson.M{"provider": "$provider", "model": "$model"},
			"input_tokens":          bson.M{"$sum": "$input_tokens"},
			"output_tokens":         bson.M{"$sum": "$output_tokens"},
			"cache_creation_tokens": bson.M{"$sum": "$cache_creation_tokens"},
			"cache_read_tokens":     bson.M{"$sum": "$cache_read_tokens"},
			"request_count":         bson.M{"$sum": 1},
		}},
		{"$sort": bson.M{"input_tokens": -1}},
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []tokentap.ModelUsage
	for cur.Next(ctx) {
		var row struct {
			ID struct {
				Provider string `bson:"provider"`
				Model    string `bson:"model"`
			} `bson:"_id"`
			InputTokens         int64 `bson:"input_tokens"`
			OutputTokens        int64 `bson:"output_tokens"`
			CacheCreationTokens int64 `bson:"cache_creation_tokens"`
			CacheReadTokens     int64 `bson:"cache_read_tokens"`
			RequestCount        int64 `bson:"request_count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out = append(out, tokentap.ModelUsage{
			Provider:            row.ID.Provider,
			Model:               row.ID.Model,
			InputTokens:         row.InputTokens,
			OutputTokens:        row.OutputTokens,
			CacheCreationTokens: row.CacheCreationTokens,
			CacheReadTokens:     row.CacheReadTokens,
			RequestCount:        row.RequestCount,
		})
	}
	return out, cur.Err()
}

// UsageByProgram aggregates usage per calling program.
func (s *Store) UsageByProgram(ctx context.Context, f tokentap.EventFilter) ([]tokentap.GroupUsage, error) {
	return s.usageByField(ctx, f, "$program")
}

// UsageByProject aggregates usage per project.
func (s *Store) UsageByProject(ctx context.Context, f tokentap.EventFilter) ([]tokentap.GroupUsage, error) {
	return s.usageByField(ctx, f, "$project")
}

func (s *Store) usageByField(ctx context.Context, f tokentap.EventFilter, field string) ([]tokentap.GroupUsage, error) {
	pipeline := []bson.M{
		{"$match": buildQuery(f)},
		{"$group": bson.M{
			"_id":                   field,
			"total_input_tokens":    bson.M{"$sum": "$input_tokens"},
			"total_output_tokens":   bson.M{"$sum": "$output_tokens"},
			"total_tokens":          bson.M{"$sum": "$total_tokens"},
			"cache_creation_tokens": bson.M{"$sum": "$cache_creation_tokens"},
			"cache_read_tokens":     bson.M{"$sum": "$cache_read_tokens"},
			"request_count":         bson.M{"$sum": 1},
			"estimated_cost":        bson.M{"$sum": "$estimated_cost"},
		}},
		{"$sort": bson.M{"total_input_tokens": -1}},
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []tokentap.GroupUsage
	for cur.Next(ctx) {
		var row struct {
			Name                string  `bson:"_id"`
			InputTokens         int64   `bson:"total_input_tokens"`
			OutputTokens        int64   `bson:"total_output_tokens"`
			TotalTokens         int64   `bson:"total_tokens"`
			CacheCreationTokens int64   `bson:"cache_creation_tokens"`
			CacheReadTokens     int64   `bson:"cache_read_tokens"`
			RequestCount        int64   `bson:"request_count"`
			EstimatedCost       float64 `bson:"estimated_cost"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		name := row.Name
		if name == "" {
			name = "unknown"
		}
		out = append(out, tokentap.GroupUsage{
			Name:                name,
			InputTokens:         row.InputTokens,
			OutputTokens:        row.OutputTokens,
			TotalTokens:         row.TotalTokens,
			CacheCreationTokens: row.CacheCreationTokens,
			CacheReadTokens:     row.CacheReadTokens,
			RequestCount:        row.RequestCount,
			EstimatedCost:       row.EstimatedCost,
		})
	}
	return out, cur.Err()
}

// UsageByDevice aggregates usage per device. Unless the filter says otherwise
// only token-consuming events count, so telemetry noise does not inflate
// device totals.
func (s *Store) UsageByDevice(ctx context.Context, f tokentap.EventFilter) ([]tokentap.DeviceUsage, error) {
	query := buildQuery(f)
	if f.IsTokenConsuming == nil {
		query["is_token_consuming"] = true
	}

	pipeline := []bson.M{
		{"$match": query},
		{"$group": bson.M{
			"_id":                   "$device_id",
			"input_tokens":          bson.M{"$sum": "$input_tokens"},
			"output_tokens":         bson.M{"$sum": "$output_tokens"},
			"cache_creation_tokens": bson.M{"$sum": "$cache_creation_tokens"},
			"cache_read_tokens":     bson.M{"$sum": "$cache_read_tokens"},
			"request_count":         bson.M{"$sum": 1},
			"total_cost":            bson.M{"$sum": "$estimated_cost"},
		}},
		{"$sort": bson.M{"input_tokens": -1}},
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	names, err := s.deviceNames(ctx)
	if err != nil {
		return nil, err
	}

	var out []tokentap.DeviceUsage
	for cur.Next(ctx) {
		var row struct {
			DeviceID            string  `bson:"_id"`
			InputTokens         int64   `bson:"input_tokens"`
			OutputTokens        int64   `bson:"output_tokens"`
			CacheCreationTokens int64   `bson:"cache_creation_tokens"`
			CacheReadTokens     int64   `bson:"cache_read_tokens"`
			RequestCount        int64   `bson:"request_count"`
			TotalCost           float64 `bson:"total_cost"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		if row.DeviceID == "" {
			continue
		}
		out = append(out, tokentap.DeviceUsage{
			DeviceID:            row.DeviceID,
			DeviceName:          displayName(names, row.DeviceID),
			InputTokens:         row.InputTokens,
			OutputTokens:        row.OutputTokens,
			CacheCreationTokens: row.CacheCreationTokens,
			CacheReadTokens:     row.CacheReadTokens,
			RequestCount:        row.RequestCount,
			TotalCost:           row.TotalCost,
		})
	}
	return out, cur.Err()
}

// UsageOverTime buckets usage by hour, day, or week.
func (s *Store) UsageOverTime(ctx context.Context, f tokentap.EventFilter, granularity string) ([]tokentap.TimeBucket, error) {
	unit := granularity
	switch unit {
	case tokentap.GranularityHour, tokentap.GranularityDay, tokentap.GranularityWeek:
	default:
		unit = tokentap.GranularityHour
	}

	pipeline := []bson.M{
		{"$match": buildQuery(f)},
		{"$group": bson.M{
			"_id":           bson.M{"$dateTrunc": bson.M{"date": "$timestamp", "unit": unit}},
			"input_tokens":  bson.M{"$sum": "$input_tokens"},
			"output_tokens": bson.M{"$sum": "$output_tokens"},
			"request_count": bson.M{"$sum": 1},
		}},
		{"$sort": bson.M{"_id": 1}},
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []tokentap.TimeBucket
	for cur.Next(ctx) {
		var row struct {
			Bucket       time.Time `bson:"_id"`
			InputTokens  int64     `bson:"input_tokens"`
			OutputTokens int64     `bson:"output_tokens"`
			RequestCount int64     `bson:"request_count"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out = append(out, tokentap.TimeBucket{
			Bucket:       row.Bucket,
			InputTokens:  row.InputTokens,
			OutputTokens: row.OutputTokens,
			RequestCount: row.RequestCount,
		})
	}
	return out, cur.Err()
}

// DeleteAllEvents wipes the events collection and returns the removed count.
func (s *Store) DeleteAllEvents(ctx context.Context) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.events.DeleteMany(ctx, bson.M{})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// RegisterDevice upserts a device registration with a custom name.
func (s *Store) RegisterDevice(ctx context.Context, id, name string, metadata map[string]any) error {
	if id == "" {
		return errors.New("device id is required")
	}
	now := time.Now().UTC()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.devices.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{
			"$set": bson.M{
				"name":         name,
				"metadata":     metadata,
				"last_updated": now,
			},
			"$setOnInsert": bson.M{"first_seen": now},
		},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// GetDevices lists devices seen in events joined with registration records.
func (s *Store) GetDevices(ctx context.Context) ([]tokentap.DeviceInfo, error) {
	pipeline := []bson.M{
		{"$match": bson.M{"device_id": bson.M{"$nin": bson.A{nil, ""}}}},
		{"$group": bson.M{
			"_id":                 "$device_id",
			"first_seen":          bson.M{"$min": "$timestamp"},
			"last_seen":           bson.M{"$max": "$timestamp"},
			"request_count":       bson.M{"$sum": 1},
			"total_input_tokens":  bson.M{"$sum": "$input_tokens"},
			"total_output_tokens": bson.M{"$sum": "$output_tokens"},
			"last_os":             bson.M{"$last": "$device.os_type"},
			"last_ip":             bson.M{"$last": "$device.ip_address"},
		}},
		{"$sort": bson.M{"last_seen": -1}},
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	names, err := s.deviceNames(ctx)
	if err != nil {
		return nil, err
	}

	var out []tokentap.DeviceInfo
	for cur.Next(ctx) {
		var row struct {
			ID                string    `bson:"_id"`
			FirstSeen         time.Time `bson:"first_seen"`
			LastSeen          time.Time `bson:"last_seen"`
			RequestCount      int64     `bson:"request_count"`
			TotalInputTokens  int64     `bson:"total_input_tokens"`
			TotalOutputTokens int64     `bson:"total_output_tokens"`
			LastOS            string    `bson:"last_os"`
			LastIP            string    `bson:"last_ip"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		_, hasCustomName := names[row.ID]
		out = append(out, tokentap.DeviceInfo{
			ID:                row.ID,
			Name:              displayName(names, row.ID),
			FirstSeen:         row.FirstSeen,
			LastSeen:          row.LastSeen,
			RequestCount:      row.RequestCount,
			TotalInputTokens:  row.TotalInputTokens,
			TotalOutputTokens: row.TotalOutputTokens,
			OSType:            row.LastOS,
			IPAddress:         row.LastIP,
			HasCustomName:     hasCustomName,
		})
	}
	return out, cur.Err()
}

// DeleteDevice removes a device registration. Historical events are kept.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.devices.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// HealthCheck reports whether MongoDB answers a primary ping.
func (s *Store) HealthCheck(ctx context.Context) bool {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary()) == nil
}

// deviceNames loads all registered device names into a map. The registration
// collection stays tiny so one pass beats a lookup per row.
func (s *Store) deviceNames(ctx context.Context) (map[string]string, error) {
	cur, err := s.devices.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	names := make(map[string]string)
	for cur.Next(ctx) {
		var doc deviceDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		if doc.Name != "" {
			names[doc.ID] = doc.Name
		}
	}
	return names, cur.Err()
}

func displayName(names map[string]string, deviceID string) string {
	if name, ok := names[deviceID]; ok {
		return name
	}
	short := deviceID
	if len(short) > 8 {
		short = short[:8]
	}
	return "Device " + short
}

// buildQuery translates an EventFilter into a Mongo match document.
func buildQuery(f tokentap.EventFilter) bson.M {
	query := bson.M{}
	if f.Provider != "" {
		query["provider"] = f.Provider
	}
	if f.Model != "" {
		query["model"] = f.Model
	}
	if f.Program != "" {
		query["program"] = f.Program
	}
	if f.Project != "" {
		query["project"] = f.Project
	}
	if f.DeviceID != "" {
		query["device_id"] = f.DeviceID
	}
	if f.CaptureMode != "" {
		query["capture_mode"] = f.CaptureMode
	}
	if f.IsTokenConsuming != nil {
		query["is_token_consuming"] = *f.IsTokenConsuming
	}
	ts := bson.M{}
	if !f.DateFrom.IsZero() {
		ts["$gte"] = f.DateFrom.UTC()
	}
	if !f.DateTo.IsZero() {
		ts["$lte"] = f.DateTo.UTC()
	}
	if len(ts) > 0 {
		query["timestamp"] = ts
	}
	return query
}
