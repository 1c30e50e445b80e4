package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// maxRowsPerInsert keeps multi-row upserts under Postgres' parameter limit.
const maxRowsPerInsert = 500

// PostgresStore keeps entities as JSONB rows in ledger.entities keyed by
// (kind, id). Writes are upserts: entities are mutated in place and the
// latest save wins.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context, kind, id string, out Entity) (bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM ledger.entities WHERE kind = $1 AND id = $2`,
		kind, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("select %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return true, nil
}

func (s *PostgresStore) Save(ctx context.Context, e Entity) error {
	return s.SaveBatch(ctx, []Entity{e})
}

// SaveBatch upserts all entities in a single transaction.
func (s *PostgresStore) SaveBatch(ctx context.Context, entities []Entity) error {
	if len(entities) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(entities); start += maxRowsPerInsert {
		end := start + maxRowsPerInsert
		if end > len(entities) {
			end = len(entities)
		}
		if err := writeEntityBatch(ctx, tx, entities[start:end]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// writeEntityBatch builds one multi-row INSERT ... ON CONFLICT DO UPDATE.
// A batch must not contain the same (kind, id) twice.
func writeEntityBatch(ctx context.Context, tx *sql.Tx, entities []Entity) error {
	query := `INSERT INTO ledger.entities (kind, id, data) VALUES `

	values := make([]string, 0, len(entities))
	args := make([]interface{}, 0, len(entities)*3)

	for i, e := range entities {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrEncode, e.EntityKind(), e.EntityID(), err)
		}
		base := i * 3
		values = append(values, fmt.Sprintf("($%d, $%d, $%d)", base+1, base+2, base+3))
		args = append(args, e.EntityKind(), e.EntityID(), raw)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (kind, id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()`

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %d entities: %w", len(entities), err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
