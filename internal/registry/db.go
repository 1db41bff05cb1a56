package registry

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"blocksmith/internal/core"
	"blocksmith/internal/logging"
)

// =============================================================================
// DATABASE LAYER
// =============================================================================

const blocksSchema = `
CREATE TABLE IF NOT EXISTS blocks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	category TEXT NOT NULL,
	execution_type TEXT NOT NULL,
	input_schema TEXT NOT NULL DEFAULT '{}',
	output_schema TEXT NOT NULL DEFAULT '{}',
	source_code TEXT,
	prompt_template TEXT,
	use_when TEXT,
	tags TEXT,
	examples TEXT,
	dependencies TEXT,
	embedding BLOB,
	created_by TEXT NOT NULL DEFAULT 'user',
	needs_network INTEGER NOT NULL DEFAULT 0,
	packages TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_blocks_category ON blocks(category);
CREATE INDEX IF NOT EXISTS idx_blocks_created_by ON blocks(created_by);
`

// openDatabase opens the registry database, applies pragmas, and creates
// the schema. SQLite serializes writers, so the pool stays at one
// connection and busy_timeout absorbs contention.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create registry directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDriverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			logging.RegistryWarn("pragma failed (%s): %v", pragma, err)
		}
	}

	if _, err := db.Exec(blocksSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}

	return db, nil
}

// detectFTS probes for the FTS5 extension and creates the shadow index
// when present. Absence is not an error: search falls back to in-process
// token scoring.
func detectFTS(db *sql.DB) bool {
	if _, err := db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS blocks_fts USING fts5(block_id UNINDEXED, description, use_when, tags)"); err != nil {
		logging.Registry("fts5 unavailable, using token scoring: %v", err)
		return false
	}
	return true
}

// detectVec probes for the sqlite-vec extension and creates the vector
// index when both the build tag and the runtime load succeeded.
func detectVec(db *sql.DB, dims int) bool {
	if !vecBuildEnabled {
		return false
	}
	if dims <= 0 {
		dims = 768
	}

	// Probe with a throwaway table first so a missing extension does not
	// leave a half-created index behind.
	if _, err := db.Exec("CREATE VIRTUAL TABLE temp.vec_probe USING vec0(embedding FLOAT[4])"); err != nil {
		logging.Registry("sqlite-vec unavailable, using in-process cosine: %v", err)
		return false
	}
	if _, err := db.Exec("DROP TABLE temp.vec_probe"); err != nil {
		logging.RegistryWarn("failed to drop vec probe table: %v", err)
	}

	ddl := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS blocks_vec USING vec0(block_id TEXT PRIMARY KEY, embedding FLOAT[%d] distance_metric=cosine)", dims)
	if _, err := db.Exec(ddl); err != nil {
		logging.RegistryWarn("failed to create vector index: %v", err)
		return false
	}
	return true
}

// =============================================================================
// ROW MAPPING
// =============================================================================

const blockColumns = `id, name, description, category, execution_type,
	input_schema, output_schema, source_code, prompt_template, use_when,
	tags, examples, dependencies, embedding, created_by, needs_network,
	packages, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanBlock maps one row to a BlockDefinition, normalizing legacy rows on
// the way out: execution_type "llm" becomes text_generation when a prompt
// template exists and python otherwise, so pre-split-era blocks keep
// matching and running.
func scanBlock(row rowScanner) (*core.BlockDefinition, error) {
	var (
		b            core.BlockDefinition
		inputSchema  string
		outputSchema string
		sourceCode   sql.NullString
		promptTmpl   sql.NullString
		useWhen      sql.NullString
		tags         sql.NullString
		examples     sql.NullString
		dependencies sql.NullString
		embedding    []byte
		needsNetwork int
		packages     sql.NullString
		createdAt    sql.NullTime
		updatedAt    sql.NullTime
	)

	err := row.Scan(&b.ID, &b.Name, &b.Description, &b.Category, &b.ExecutionType,
		&inputSchema, &outputSchema, &sourceCode, &promptTmpl, &useWhen,
		&tags, &examples, &dependencies, &embedding, &b.Metadata.CreatedBy, &needsNetwork,
		&packages, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(inputSchema), &b.InputSchema); err != nil {
		return nil, fmt.Errorf("block %s: malformed input_schema: %w", b.ID, err)
	}
	if err := json.Unmarshal([]byte(outputSchema), &b.OutputSchema); err != nil {
		return nil, fmt.Errorf("block %s: malformed output_schema: %w", b.ID, err)
	}

	b.SourceCode = sourceCode.String
	b.PromptTemplate = promptTmpl.String
	b.UseWhen = useWhen.String
	b.Metadata.NeedsNetwork = needsNetwork != 0
	if createdAt.Valid {
		b.Metadata.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		b.Metadata.UpdatedAt = updatedAt.Time
	}

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &b.Tags); err != nil {
			return nil, fmt.Errorf("block %s: malformed tags: %w", b.ID, err)
		}
	}
	if examples.Valid && examples.String != "" {
		if err := json.Unmarshal([]byte(examples.String), &b.Examples); err != nil {
			return nil, fmt.Errorf("block %s: malformed examples: %w", b.ID, err)
		}
	}
	if dependencies.Valid && dependencies.String != "" {
		if err := json.Unmarshal([]byte(dependencies.String), &b.Dependencies); err != nil {
			return nil, fmt.Errorf("block %s: malformed dependencies: %w", b.ID, err)
		}
	}
	if packages.Valid && packages.String != "" {
		if err := json.Unmarshal([]byte(packages.String), &b.Metadata.Packages); err != nil {
			return nil, fmt.Errorf("block %s: malformed packages: %w", b.ID, err)
		}
	}
	if len(embedding) > 0 {
		b.Embedding = decodeEmbedding(embedding)
	}

	normalizeLegacyType(&b)
	return &b, nil
}

// normalizeLegacyType rewrites the retired "llm" execution type.
func normalizeLegacyType(b *core.BlockDefinition) {
	if b.ExecutionType != core.ExecLegacyLLM {
		return
	}
	if b.PromptTemplate != "" {
		b.ExecutionType = core.ExecTextGeneration
	} else {
		b.ExecutionType = core.ExecPython
	}
}

// getBlock fetches one block straight from the store.
func getBlock(ctx context.Context, db *sql.DB, id string) (*core.BlockDefinition, error) {
	row := db.QueryRowContext(ctx, "SELECT "+blockColumns+" FROM blocks WHERE id = ?", id)
	b, err := scanBlock(row)
	if err == sql.ErrNoRows {
		return nil, core.NewNotFound("block", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load block %s: %w", id, err)
	}
	return b, nil
}

// =============================================================================
// EMBEDDING CODEC
// =============================================================================
// Embeddings persist as little-endian float32 bytes, the same layout the
// vec0 extension expects, so one blob serves both the blocks table and
// the vector index.

func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// marshalOrNull renders small JSON columns; empty slices persist as NULL.
func marshalOrNull(v interface{}) (sql.NullString, error) {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	case []core.BlockExample:
		if len(t) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// touchTimestamps backfills metadata times after a write.
func touchTimestamps(b *core.BlockDefinition) {
	now := time.Now().UTC()
	if b.Metadata.CreatedAt.IsZero() {
		b.Metadata.CreatedAt = now
	}
	b.Metadata.UpdatedAt = now
}
