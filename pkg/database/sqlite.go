package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// DB is the tenant-scoped graph store. Every operation takes the
// graph owner id as its first argument and touches only rows filtered
// by it; a query that reaches another owner's rows is a bug, not a
// policy decision.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

func NewDB(dbPath string) (*DB, error) {
	return NewDBWithLogger(dbPath, slog.Default())
}

func NewDBWithLogger(dbPath string, logger *slog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; funneling through a single connection
	// turns concurrent writes into queued writes instead of SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, logger: logger.With(slog.String("component", "database"))}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	db.logger.Debug("database ready", slog.String("path", dbPath))

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// migrate applies the fixed schema. The relation and observation
// tables carry no primary key and no foreign keys: duplicate relations
// are legal data, and observations may outlive their entity.
func (db *DB) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entity (
			owner_id   TEXT NOT NULL,
			name       TEXT NOT NULL,
			type       TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (owner_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS relation (
			owner_id TEXT NOT NULL,
			"from"   TEXT NOT NULL,
			"to"     TEXT NOT NULL,
			type     TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS entity_observation (
			owner_id    TEXT NOT NULL,
			entity_name TEXT NOT NULL,
			observation TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entity_owner_type ON entity(owner_id, type);`,
		`CREATE INDEX IF NOT EXISTS idx_relation_owner ON relation(owner_id);`,
		`CREATE INDEX IF NOT EXISTS idx_observation_owner_entity ON entity_observation(owner_id, entity_name);`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return err
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// CreateEntities inserts the batch in one transaction: a duplicate
// (owner, name) anywhere in it rolls the whole batch back with a
// conflict error naming the entity. Listed observations are inserted
// with their entity.
func (db *DB) CreateEntities(ctx context.Context, ownerID string, entities []Entity) ([]Entity, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageError("begin transaction", err)
	}
	defer tx.Rollback()

	created := make([]Entity, 0, len(entities))

	for _, entity := range entities {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entity (owner_id, name, type) VALUES (?, ?, ?)`,
			ownerID, entity.Name, entity.EntityType,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, conflictError(entity.Name)
			}
			return nil, storageError("insert entity", err)
		}

		for _, obs := range entity.Observations {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO entity_observation (owner_id, entity_name, observation) VALUES (?, ?, ?)`,
				ownerID, entity.Name, obs,
			)
			if err != nil {
				return nil, storageError("insert observation", err)
			}
		}

		created = append(created, entity)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageError("commit", err)
	}
	return created, nil
}

// CreateRelations inserts every row as given. Endpoints are not
// checked against the entity table and duplicates are not collapsed.
func (db *DB) CreateRelations(ctx context.Context, ownerID string, relations []Relation) ([]Relation, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageError("begin transaction", err)
	}
	defer tx.Rollback()

	created := make([]Relation, 0, len(relations))

	for _, rel := range relations {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO relation (owner_id, "from", "to", type) VALUES (?, ?, ?, ?)`,
			ownerID, rel.From, rel.To, rel.RelationType,
		)
		if err != nil {
			return nil, storageError("insert relation", err)
		}
		created = append(created, rel)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageError("commit", err)
	}
	return created, nil
}

// AddObservations appends rows for the named entity. The entity row
// need not exist and identical strings are stored again.
func (db *DB) AddObservations(ctx context.Context, ownerID, entityName string, observations []string) ([]string, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageError("begin transaction", err)
	}
	defer tx.Rollback()

	added := make([]string, 0, len(observations))
	for _, obs := range observations {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO entity_observation (owner_id, entity_name, observation) VALUES (?, ?, ?)`,
			ownerID, entityName, obs,
		)
		if err != nil {
			return nil, storageError("insert observation", err)
		}
		added = append(added, obs)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageError("commit", err)
	}
	return added, nil
}

// DeleteEntities removes entity rows only. Observations and relations
// that reference the deleted names stay behind as orphans; names with
// no matching row are skipped silently.
func (db *DB) DeleteEntities(ctx context.Context, ownerID string, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(names))
	args := make([]interface{}, 0, len(names)+1)
	args = append(args, ownerID)
	for i, name := range names {
		placeholders[i] = "?"
		args = append(args, name)
	}

	query := fmt.Sprintf(`DELETE FROM entity WHERE owner_id = ? AND name IN (%s)`, strings.Join(placeholders, ","))
	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storageError("delete entities", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storageError("delete entities", err)
	}
	return n, nil
}

// DeleteEntitiesCascade removes the named entities together with their
// observations and every relation touching them, atomically.
func (db *DB) DeleteEntitiesCascade(ctx context.Context, ownerID string, names []string) (*CascadeResult, error) {
	out := &CascadeResult{}
	if len(names) == 0 {
		return out, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageError("begin transaction", err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(names))
	nameArgs := make([]interface{}, len(names))
	for i, name := range names {
		placeholders[i] = "?"
		nameArgs[i] = name
	}
	in := strings.Join(placeholders, ",")

	steps := []struct {
		query string
		args  []interface{}
		count *int64
	}{
		{
			query: fmt.Sprintf(`DELETE FROM entity_observation WHERE owner_id = ? AND entity_name IN (%s)`, in),
			args:  append([]interface{}{ownerID}, nameArgs...),
			count: &out.Observations,
		},
		{
			query: fmt.Sprintf(`DELETE FROM relation WHERE owner_id = ? AND ("from" IN (%s) OR "to" IN (%s))`, in, in),
			args:  append(append([]interface{}{ownerID}, nameArgs...), nameArgs...),
			count: &out.Relations,
		},
		{
			query: fmt.Sprintf(`DELETE FROM entity WHERE owner_id = ? AND name IN (%s)`, in),
			args:  append([]interface{}{ownerID}, nameArgs...),
			count: &out.Entities,
		},
	}

	for _, step := range steps {
		result, err := tx.ExecContext(ctx, step.query, step.args...)
		if err != nil {
			return nil, storageError("cascade delete", err)
		}
		if *step.count, err = result.RowsAffected(); err != nil {
			return nil, storageError("cascade delete", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageError("commit", err)
	}
	return out, nil
}

// DeleteRelations removes rows matching each (from, to, type) triple
// exactly. Triples with no matching row are skipped silently.
func (db *DB) DeleteRelations(ctx context.Context, ownerID string, relations []Relation) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageError("begin transaction", err)
	}
	defer tx.Rollback()

	var deleted int64
	for _, rel := range relations {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM relation WHERE owner_id = ? AND "from" = ? AND "to" = ? AND type = ?`,
			ownerID, rel.From, rel.To, rel.RelationType,
		)
		if err != nil {
			return 0, storageError("delete relation", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, storageError("delete relation", err)
		}
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, storageError("commit", err)
	}
	return deleted, nil
}

// DeleteObservations removes every row matching (owner, entity, text)
// for each given string. Duplicate rows with the same text all go at
// once; they are indistinguishable.
func (db *DB) DeleteObservations(ctx context.Context, ownerID, entityName string, observations []string) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageError("begin transaction", err)
	}
	defer tx.Rollback()

	var deleted int64
	for _, obs := range observations {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM entity_observation WHERE owner_id = ? AND entity_name = ? AND observation = ?`,
			ownerID, entityName, obs,
		)
		if err != nil {
			return 0, storageError("delete observation", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, storageError("delete observation", err)
		}
		deleted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, storageError("commit", err)
	}
	return deleted, nil
}

// ReadGraph returns the owner's whole graph: every entity hydrated
// with its observations, joined in memory by entity name, plus every
// relation. No pagination.
func (db *DB) ReadGraph(ctx context.Context, ownerID string) (*Graph, error) {
	graph := &Graph{
		Entities:  []Entity{},
		Relations: []Relation{},
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT name, type FROM entity WHERE owner_id = ? ORDER BY name`, ownerID)
	if err != nil {
		return nil, storageError("read entities", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entity Entity
		if err := rows.Scan(&entity.Name, &entity.EntityType); err != nil {
			return nil, storageError("scan entity", err)
		}
		entity.Observations = []string{}
		graph.Entities = append(graph.Entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("read entities", err)
	}

	observations, err := db.observationsByEntity(ctx, ownerID, nil)
	if err != nil {
		return nil, err
	}
	for i := range graph.Entities {
		if obs, ok := observations[graph.Entities[i].Name]; ok {
			graph.Entities[i].Observations = obs
		}
	}

	relRows, err := db.conn.QueryContext(ctx,
		`SELECT "from", "to", type FROM relation WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, storageError("read relations", err)
	}
	defer relRows.Close()

	for relRows.Next() {
		var rel Relation
		if err := relRows.Scan(&rel.From, &rel.To, &rel.RelationType); err != nil {
			return nil, storageError("scan relation", err)
		}
		graph.Relations = append(graph.Relations, rel)
	}
	if err := relRows.Err(); err != nil {
		return nil, storageError("read relations", err)
	}

	return graph, nil
}

// observationsByEntity loads observation rows grouped by entity name.
// A nil name set loads every row the owner has, orphans included.
func (db *DB) observationsByEntity(ctx context.Context, ownerID string, names []string) (map[string][]string, error) {
	query := `SELECT entity_name, observation FROM entity_observation WHERE owner_id = ?`
	args := []interface{}{ownerID}
	if names != nil {
		placeholders := make([]string, len(names))
		for i, name := range names {
			placeholders[i] = "?"
			args = append(args, name)
		}
		query += fmt.Sprintf(` AND entity_name IN (%s)`, strings.Join(placeholders, ","))
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("read observations", err)
	}
	defer rows.Close()

	grouped := make(map[string][]string)
	for rows.Next() {
		var entityName, obs string
		if err := rows.Scan(&entityName, &obs); err != nil {
			return nil, storageError("scan observation", err)
		}
		grouped[entityName] = append(grouped[entityName], obs)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("read observations", err)
	}
	return grouped, nil
}

// SearchNodes matches the query as a case-insensitive substring
// against entity names, entity types, and observation text,
// independently. The three match sets stay separate; an entity whose
// name and type both match appears in both sets. An empty query
// matches every row.
func (db *DB) SearchNodes(ctx context.Context, ownerID, query string) (*SearchResult, error) {
	result := &SearchResult{
		NameMatches:        []EntityRef{},
		TypeMatches:        []EntityRef{},
		ObservationMatches: []ObservationHit{},
	}

	// instr over lowered text gives substring semantics without LIKE
	// wildcard interpretation of % and _ in the query.
	nameRows, err := db.conn.QueryContext(ctx,
		`SELECT name, type FROM entity WHERE owner_id = ? AND instr(lower(name), lower(?)) > 0 ORDER BY name`,
		ownerID, query)
	if err != nil {
		return nil, storageError("search names", err)
	}
	defer nameRows.Close()
	for nameRows.Next() {
		var ref EntityRef
		if err := nameRows.Scan(&ref.Name, &ref.EntityType); err != nil {
			return nil, storageError("scan name match", err)
		}
		result.NameMatches = append(result.NameMatches, ref)
	}
	if err := nameRows.Err(); err != nil {
		return nil, storageError("search names", err)
	}

	typeRows, err := db.conn.QueryContext(ctx,
		`SELECT name, type FROM entity WHERE owner_id = ? AND instr(lower(type), lower(?)) > 0 ORDER BY name`,
		ownerID, query)
	if err != nil {
		return nil, storageError("search types", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var ref EntityRef
		if err := typeRows.Scan(&ref.Name, &ref.EntityType); err != nil {
			return nil, storageError("scan type match", err)
		}
		result.TypeMatches = append(result.TypeMatches, ref)
	}
	if err := typeRows.Err(); err != nil {
		return nil, storageError("search types", err)
	}

	obsRows, err := db.conn.QueryContext(ctx,
		`SELECT entity_name, observation FROM entity_observation WHERE owner_id = ? AND instr(lower(observation), lower(?)) > 0 ORDER BY entity_name`,
		ownerID, query)
	if err != nil {
		return nil, storageError("search observations", err)
	}
	defer obsRows.Close()
	for obsRows.Next() {
		var hit ObservationHit
		if err := obsRows.Scan(&hit.EntityName, &hit.Observation); err != nil {
			return nil, storageError("scan observation match", err)
		}
		result.ObservationMatches = append(result.ObservationMatches, hit)
	}
	if err := obsRows.Err(); err != nil {
		return nil, storageError("search observations", err)
	}

	return result, nil
}

// OpenNodes returns the requested entities hydrated with their
// observations. Names with no entity row are omitted from the result,
// never reported as errors. Relations are not included.
func (db *DB) OpenNodes(ctx context.Context, ownerID string, names []string) ([]Entity, error) {
	entities := []Entity{}
	if len(names) == 0 {
		return entities, nil
	}

	placeholders := make([]string, len(names))
	args := make([]interface{}, 0, len(names)+1)
	args = append(args, ownerID)
	for i, name := range names {
		placeholders[i] = "?"
		args = append(args, name)
	}

	query := fmt.Sprintf(`SELECT name, type FROM entity WHERE owner_id = ? AND name IN (%s) ORDER BY name`,
		strings.Join(placeholders, ","))
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError("open nodes", err)
	}
	defer rows.Close()

	found := make([]string, 0, len(names))
	for rows.Next() {
		var entity Entity
		if err := rows.Scan(&entity.Name, &entity.EntityType); err != nil {
			return nil, storageError("scan entity", err)
		}
		entity.Observations = []string{}
		entities = append(entities, entity)
		found = append(found, entity.Name)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("open nodes", err)
	}

	if len(found) > 0 {
		observations, err := db.observationsByEntity(ctx, ownerID, found)
		if err != nil {
			return nil, err
		}
		for i := range entities {
			if obs, ok := observations[entities[i].Name]; ok {
				entities[i].Observations = obs
			}
		}
	}

	return entities, nil
}
