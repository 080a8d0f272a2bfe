// Package kgraph mirrors extracted entities into an ArangoDB knowledge
// graph. Entities are upserted as documents and co-occurrence within one
// alert is recorded as weighted edges, so analysts can walk from any
// indicator to every triage that touched it.
package kgraph

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/arangodb/go-driver/v2/arangodb"
	"github.com/arangodb/go-driver/v2/connection"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sentinel/internal/schema"
)

const (
	entityCollection = "entities"
	edgeCollection   = "observed_with"
)

// Config holds the ArangoDB connection settings. An empty Endpoint disables
// the knowledge graph entirely.
type Config struct {
	Endpoint string
	Username string
	Password string
	Database string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Endpoint, "arango-endpoint", "", "ArangoDB endpoint URL for the knowledge graph (empty = disabled)")
	fs.StringVar(&c.Username, "arango-user", "root", "ArangoDB username")
	fs.StringVar(&c.Password, "arango-password", "", "ArangoDB password")
	fs.StringVar(&c.Database, "arango-database", "sentinel", "ArangoDB database name")
}

// Validate checks the configuration fields for correctness.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return nil
	}
	if c.Database == "" {
		return fmt.Errorf("ARANGO_DATABASE is required when ARANGO_ENDPOINT is set")
	}
	return nil
}

// Writer implements pipeline.EntityWriter against ArangoDB.
type Writer struct {
	db       arangodb.Database
	entities arangodb.Collection
	edges    arangodb.Collection
	logger   log.Logger
}

// New connects to ArangoDB and ensures the database, collections, and
// indexes exist.
func New(ctx context.Context, cfg Config, logger log.Logger) (*Writer, error) {
	if logger == nil {
		logger = log.Nop()
	}

	endpoint := connection.NewRoundRobinEndpoints([]string{cfg.Endpoint})
	conn := connection.NewHttpConnection(connection.HttpConfiguration{
		Authentication: connection.NewBasicAuth(cfg.Username, cfg.Password),
		Endpoint:       endpoint,
		ContentType:    connection.ApplicationJSON,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, // #nosec G402
			},
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 90 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	})
	client := arangodb.NewClient(conn)

	versionInfo, err := client.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("arango version check: %w", err)
	}
	logger.Info(ctx, "connected to arangodb",
		"version", versionInfo.Version, "license", string(versionInfo.License))

	db, err := ensureDatabase(ctx, client, cfg.Database)
	if err != nil {
		return nil, err
	}

	entities, err := ensureCollection(ctx, db, entityCollection, false)
	if err != nil {
		return nil, err
	}
	edges, err := ensureCollection(ctx, db, edgeCollection, true)
	if err != nil {
		return nil, err
	}

	if err := ensureIndexes(ctx, entities, edges); err != nil {
		return nil, err
	}

	return &Writer{db: db, entities: entities, edges: edges, logger: logger}, nil
}

// WriteEntities upserts each entity and records pairwise co-occurrence edges
// for the triage that observed them together.
func (w *Writer) WriteEntities(ctx context.Context, triageID string, entities []schema.Entity) error {
	now := time.Now().UTC().Format(time.RFC3339)

	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		id, err := w.upsertEntity(ctx, triageID, e, now)
		if err != nil {
			return fmt.Errorf("upsert entity %s: %w", e.Key(), err)
		}
		ids = append(ids, id)
	}

	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			if err := w.upsertEdge(ctx, triageID, ids[i], ids[j], now); err != nil {
				return fmt.Errorf("upsert edge: %w", err)
			}
		}
	}
	return nil
}

func (w *Writer) upsertEntity(ctx context.Context, triageID string, e schema.Entity, now string) (string, error) {
	query := `
		UPSERT { type: @type, value: @value }
		INSERT {
			type: @type, value: @value,
			first_seen: @now, last_seen: @now,
			sightings: 1, triage_ids: [@triageId]
		}
		UPDATE {
			last_seen: @now,
			sightings: OLD.sightings + 1,
			triage_ids: APPEND(OLD.triage_ids, @triageId, true)
		}
		IN entities
		RETURN NEW._id
	`
	bindVars := map[string]interface{}{
		"type":     string(e.Type),
		"value":    e.Value,
		"now":      now,
		"triageId": triageID,
	}

	cursor, err := w.db.Query(ctx, query, &arangodb.QueryOptions{BindVars: bindVars})
	if err != nil {
		return "", err
	}
	defer cursor.Close()

	var id string
	if _, err := cursor.ReadDocument(ctx, &id); err != nil {
		return "", err
	}
	return id, nil
}

func (w *Writer) upsertEdge(ctx context.Context, triageID, from, to, now string) error {
	query := `
		UPSERT { _from: @from, _to: @to }
		INSERT {
			_from: @from, _to: @to, weight: 1,
			first_seen: @now, last_seen: @now,
			triage_ids: [@triageId]
		}
		UPDATE {
			weight: OLD.weight + 1,
			last_seen: @now,
			triage_ids: APPEND(OLD.triage_ids, @triageId, true)
		}
		IN observed_with
	`
	bindVars := map[string]interface{}{
		"from":     from,
		"to":       to,
		"now":      now,
		"triageId": triageID,
	}

	cursor, err := w.db.Query(ctx, query, &arangodb.QueryOptions{BindVars: bindVars})
	if err != nil {
		return err
	}
	return cursor.Close()
}

func ensureDatabase(ctx context.Context, client arangodb.Client, name string) (arangodb.Database, error) {
	dblist, err := client.Databases(ctx)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	for _, dbinfo := range dblist {
		if dbinfo.Name() == name {
			var options arangodb.GetDatabaseOptions
			db, err := client.GetDatabase(ctx, name, &options)
			if err != nil {
				return nil, fmt.Errorf("get database: %w", err)
			}
			return db, nil
		}
	}
	db, err := client.CreateDatabase(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("create database: %w", err)
	}
	return db, nil
}

func ensureCollection(ctx context.Context, db arangodb.Database, name string, edge bool) (arangodb.Collection, error) {
	exists, err := db.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check collection %s: %w", name, err)
	}
	if exists {
		var options arangodb.GetCollectionOptions
		col, err := db.GetCollection(ctx, name, &options)
		if err != nil {
			return nil, fmt.Errorf("get collection %s: %w", name, err)
		}
		return col, nil
	}

	var props *arangodb.CreateCollectionPropertiesV2
	if edge {
		edgeType := arangodb.CollectionTypeEdge
		props = &arangodb.CreateCollectionPropertiesV2{Type: &edgeType}
	}
	col, err := db.CreateCollectionV2(ctx, name, props)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	return col, nil
}

func ensureIndexes(ctx context.Context, entities, edges arangodb.Collection) error {
	unique := true
	notUnique := false
	notSparse := false

	type indexConfig struct {
		col    arangodb.Collection
		name   string
		fields []string
		unique *bool
	}
	idxList := []indexConfig{
		{entities, "entity_type_value", []string{"type", "value"}, &unique},
		{entities, "entity_last_seen", []string{"last_seen"}, &notUnique},
		{edges, "observed_from", []string{"_from"}, &notUnique},
		{edges, "observed_to", []string{"_to"}, &notUnique},
	}

	for _, idx := range idxList {
		found := false
		if indexes, err := idx.col.Indexes(ctx); err == nil {
			for _, index := range indexes {
				if index.Name == idx.name {
					found = true
					break
				}
			}
		}
		if found {
			continue
		}
		_, _, err := idx.col.EnsurePersistentIndex(ctx, idx.fields, &arangodb.CreatePersistentIndexOptions{
			Unique: idx.unique,
			Sparse: &notSparse,
			Name:   idx.name,
		})
		if err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}
