// Package registry is the authoritative block catalog: SQLite persistence,
// a save gate (compile check + embedding attach), a TTL read cache, and
// hybrid text+vector search.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"blocksmith/internal/core"
	"blocksmith/internal/embedding"
	"blocksmith/internal/logging"
	"blocksmith/internal/pycheck"
)

// DefaultCacheTTL bounds how stale a cached definition may get.
const DefaultCacheTTL = 5 * time.Minute

// Registry stores, caches, and searches block definitions.
type Registry struct {
	db       *sql.DB
	embedder embedding.EmbeddingEngine
	checker  *pycheck.Checker
	cacheTTL time.Duration

	cache  *xsync.MapOf[string, cacheEntry]
	flight singleflight.Group

	ftsEnabled bool
	vecEnabled bool

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	saves       atomic.Int64
	searches    atomic.Int64
}

type cacheEntry struct {
	block   *core.BlockDefinition
	expires time.Time
}

// New opens (creating if absent) the registry at dbPath. The embedder is
// mandatory: definitions without embeddings are unfindable, so saving is
// refused rather than degraded. ttl <= 0 selects the default.
func New(dbPath string, embedder embedding.EmbeddingEngine, ttl time.Duration) (*Registry, error) {
	if embedder == nil {
		return nil, core.NewCapability("registry requires an embedding engine", nil)
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		db:       db,
		embedder: embedder,
		checker:  pycheck.New(),
		cacheTTL: ttl,
		cache:    xsync.NewMapOf[string, cacheEntry](),
	}
	r.ftsEnabled = detectFTS(db)
	r.vecEnabled = detectVec(db, embedder.Dimensions())

	logging.Registry("registry open: path=%s fts=%v vec=%v ttl=%s",
		dbPath, r.ftsEnabled, r.vecEnabled, ttl)
	return r, nil
}

// Close releases the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// =============================================================================
// SAVE GATE
// =============================================================================

// Save validates, compiles, embeds, and persists a block, in that order.
// Python sources that do not parse are rejected; an embedding failure is
// fatal (a block future searches cannot find must not be accepted).
// System blocks are only replaceable by system callers.
func (r *Registry) Save(ctx context.Context, block *core.BlockDefinition) error {
	if block == nil {
		return core.NewValidation(core.SubkindStageSchema, "nil block")
	}
	if err := block.Validate(); err != nil {
		return err
	}
	if block.Metadata.CreatedBy == "" {
		block.Metadata.CreatedBy = core.CreatedByUser
	}

	if err := r.checkSystemOverwrite(ctx, block); err != nil {
		return err
	}

	normalizeLegacyType(block)

	if block.ExecutionType == core.ExecPython {
		if err := r.checker.CheckBlockSource(block.SourceCode); err != nil {
			if ce, ok := core.AsError(err); ok {
				return ce.WithBlock(block.ID)
			}
			return core.NewValidation(core.SubkindSourceCompile, err.Error()).WithBlock(block.ID)
		}
		if len(block.Metadata.Packages) == 0 {
			pkgs, err := r.checker.ExtractImports(block.SourceCode)
			if err != nil {
				logging.RegistryWarn("package extraction failed for %s: %v", block.ID, err)
			} else {
				block.Metadata.Packages = pkgs
			}
		}
	}

	vector, err := r.embedder.Embed(ctx, block.SearchText())
	if err != nil {
		return core.NewCapability(
			fmt.Sprintf("embedding failed at save for block %s, retry the save", block.ID), err).WithBlock(block.ID)
	}
	block.Embedding = vector

	touchTimestamps(block)
	if err := r.writeBlock(ctx, block); err != nil {
		return err
	}

	r.cache.Delete(block.ID)
	r.saves.Add(1)
	logging.Registry("saved block %s (%s/%s, by %s, dim=%d)",
		block.ID, block.Category, block.ExecutionType, block.Metadata.CreatedBy, len(vector))
	return nil
}

func (r *Registry) checkSystemOverwrite(ctx context.Context, block *core.BlockDefinition) error {
	var existingCreator string
	err := r.db.QueryRowContext(ctx, "SELECT created_by FROM blocks WHERE id = ?", block.ID).Scan(&existingCreator)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check block %s: %w", block.ID, err)
	}
	if existingCreator == core.CreatedBySystem && block.Metadata.CreatedBy != core.CreatedBySystem {
		return core.NewValidation("", fmt.Sprintf("block %s is a system block and cannot be overwritten", block.ID)).WithBlock(block.ID)
	}
	return nil
}

// writeBlock persists the row and both shadow indexes in one transaction.
func (r *Registry) writeBlock(ctx context.Context, block *core.BlockDefinition) error {
	tags, err := marshalOrNull(block.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	examples, err := marshalOrNull(block.Examples)
	if err != nil {
		return fmt.Errorf("failed to marshal examples: %w", err)
	}
	deps, err := marshalOrNull(block.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	packages, err := marshalOrNull(block.Metadata.Packages)
	if err != nil {
		return fmt.Errorf("failed to marshal packages: %w", err)
	}
	inputSchema, err := marshalOrNull(block.InputSchema)
	if err != nil {
		return fmt.Errorf("failed to marshal input_schema: %w", err)
	}
	outputSchema, err := marshalOrNull(block.OutputSchema)
	if err != nil {
		return fmt.Errorf("failed to marshal output_schema: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin save: %w", err)
	}
	defer tx.Rollback()

	needsNetwork := 0
	if block.Metadata.NeedsNetwork {
		needsNetwork = 1
	}
	createdBy := block.Metadata.CreatedBy
	if createdBy == "" {
		createdBy = core.CreatedByUser
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO blocks
		(id, name, description, category, execution_type, input_schema, output_schema,
		 source_code, prompt_template, use_when, tags, examples, dependencies, embedding,
		 created_by, needs_network, packages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		        COALESCE((SELECT created_at FROM blocks WHERE id = ?), CURRENT_TIMESTAMP),
		        CURRENT_TIMESTAMP)`,
		block.ID, block.Name, block.Description, string(block.Category), string(block.ExecutionType),
		inputSchema.String, outputSchema.String,
		block.SourceCode, block.PromptTemplate, block.UseWhen, tags, examples, deps,
		encodeEmbedding(block.Embedding), createdBy, needsNetwork, packages,
		block.ID)
	if err != nil {
		return fmt.Errorf("failed to write block %s: %w", block.ID, err)
	}

	if r.ftsEnabled {
		if _, err := tx.ExecContext(ctx, "DELETE FROM blocks_fts WHERE block_id = ?", block.ID); err != nil {
			return fmt.Errorf("failed to clear fts row: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO blocks_fts (block_id, description, use_when, tags) VALUES (?, ?, ?, ?)",
			block.ID, block.Description, block.UseWhen, strings.Join(block.Tags, " "))
		if err != nil {
			return fmt.Errorf("failed to index block %s: %w", block.ID, err)
		}
	}

	if r.vecEnabled {
		if _, err := tx.ExecContext(ctx, "DELETE FROM blocks_vec WHERE block_id = ?", block.ID); err != nil {
			return fmt.Errorf("failed to clear vector row: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO blocks_vec (block_id, embedding) VALUES (?, ?)",
			block.ID, encodeEmbedding(block.Embedding))
		if err != nil {
			return fmt.Errorf("failed to index vector for %s: %w", block.ID, err)
		}
	}

	return tx.Commit()
}

// =============================================================================
// READ PATH
// =============================================================================

// Get returns the block by id, serving from the TTL cache when fresh.
// Concurrent misses for the same id collapse into one store read. The
// returned definition is the caller's to mutate.
func (r *Registry) Get(ctx context.Context, id string) (*core.BlockDefinition, error) {
	if entry, ok := r.cache.Load(id); ok {
		if time.Now().Before(entry.expires) {
			r.cacheHits.Add(1)
			return entry.block.Clone(), nil
		}
		r.cache.Delete(id)
	}
	r.cacheMisses.Add(1)

	v, err, _ := r.flight.Do(id, func() (interface{}, error) {
		block, err := getBlock(ctx, r.db, id)
		if err != nil {
			return nil, err
		}
		r.cache.Store(id, cacheEntry{block: block, expires: time.Now().Add(r.cacheTTL)})
		return block, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.BlockDefinition).Clone(), nil
}

// List returns every block ordered by id.
func (r *Registry) List(ctx context.Context) ([]*core.BlockDefinition, error) {
	return r.queryBlocks(ctx, "SELECT "+blockColumns+" FROM blocks ORDER BY id")
}

// ListByCategory returns blocks of one category ordered by id.
func (r *Registry) ListByCategory(ctx context.Context, category core.BlockCategory) ([]*core.BlockDefinition, error) {
	return r.queryBlocks(ctx, "SELECT "+blockColumns+" FROM blocks WHERE category = ? ORDER BY id", string(category))
}

// ListByCreator returns blocks by metadata.created_by (system, user,
// synthesizer) ordered by id.
func (r *Registry) ListByCreator(ctx context.Context, createdBy string) ([]*core.BlockDefinition, error) {
	return r.queryBlocks(ctx, "SELECT "+blockColumns+" FROM blocks WHERE created_by = ? ORDER BY id", createdBy)
}

func (r *Registry) queryBlocks(ctx context.Context, query string, args ...interface{}) ([]*core.BlockDefinition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*core.BlockDefinition
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// Count returns the number of stored blocks.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM blocks").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count blocks: %w", err)
	}
	return n, nil
}

// Delete removes a block. System blocks are not deletable.
func (r *Registry) Delete(ctx context.Context, id string) error {
	var createdBy string
	err := r.db.QueryRowContext(ctx, "SELECT created_by FROM blocks WHERE id = ?", id).Scan(&createdBy)
	if err == sql.ErrNoRows {
		return core.NewNotFound("block", id)
	}
	if err != nil {
		return fmt.Errorf("failed to check block %s: %w", id, err)
	}
	if createdBy == core.CreatedBySystem {
		return core.NewValidation("", fmt.Sprintf("block %s is a system block and cannot be deleted", id)).WithBlock(id)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM blocks WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete block %s: %w", id, err)
	}
	if r.ftsEnabled {
		if _, err := tx.ExecContext(ctx, "DELETE FROM blocks_fts WHERE block_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete fts row: %w", err)
		}
	}
	if r.vecEnabled {
		if _, err := tx.ExecContext(ctx, "DELETE FROM blocks_vec WHERE block_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete vector row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	r.cache.Delete(id)
	logging.Registry("deleted block %s", id)
	return nil
}

// InvalidateCache drops every cached definition.
func (r *Registry) InvalidateCache() {
	r.cache.Clear()
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// ReembedAll recomputes every embedding in batches, for model upgrades.
// Batches run with bounded parallelism; the first failure aborts.
func (r *Registry) ReembedAll(ctx context.Context) (int, error) {
	blocks, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(blocks) == 0 {
		return 0, nil
	}

	const batchSize = 32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)

	for start := 0; start < len(blocks); start += batchSize {
		batch := blocks[start:min(start+batchSize, len(blocks))]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, b := range batch {
				texts[i] = b.SearchText()
			}
			vectors, err := r.embedder.EmbedBatch(gctx, texts)
			if err != nil {
				return core.NewCapability("re-embed batch failed", err)
			}
			for i, b := range batch {
				b.Embedding = vectors[i]
				if err := r.writeBlock(gctx, b); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	r.InvalidateCache()
	logging.Registry("re-embedded %d blocks", len(blocks))
	return len(blocks), nil
}

// =============================================================================
// STATS AND METRICS
// =============================================================================

// Stats summarizes catalog contents.
type Stats struct {
	TotalBlocks int            `json:"total_blocks"`
	ByCategory  map[string]int `json:"by_category"`
	ByCreatedBy map[string]int `json:"by_created_by"`
	CacheSize   int            `json:"cache_size"`
	FTSEnabled  bool           `json:"fts_enabled"`
	VecEnabled  bool           `json:"vec_enabled"`
}

// String renders the stats human-readable.
func (s Stats) String() string {
	return fmt.Sprintf("Registry[blocks=%d cached=%d fts=%v vec=%v]",
		s.TotalBlocks, s.CacheSize, s.FTSEnabled, s.VecEnabled)
}

// GetStats reads catalog statistics.
func (r *Registry) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{
		ByCategory:  make(map[string]int),
		ByCreatedBy: make(map[string]int),
		CacheSize:   r.cache.Size(),
		FTSEnabled:  r.ftsEnabled,
		VecEnabled:  r.vecEnabled,
	}

	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM blocks").Scan(&stats.TotalBlocks); err != nil {
		return stats, fmt.Errorf("failed to count blocks: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, "SELECT category, COUNT(*) FROM blocks GROUP BY category")
	if err != nil {
		return stats, fmt.Errorf("failed to read category stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return stats, err
		}
		stats.ByCategory[cat] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	creatorRows, err := r.db.QueryContext(ctx, "SELECT created_by, COUNT(*) FROM blocks GROUP BY created_by")
	if err != nil {
		return stats, fmt.Errorf("failed to read creator stats: %w", err)
	}
	defer creatorRows.Close()
	for creatorRows.Next() {
		var creator string
		var n int
		if err := creatorRows.Scan(&creator, &n); err != nil {
			return stats, err
		}
		stats.ByCreatedBy[creator] = n
	}
	return stats, creatorRows.Err()
}

// Metrics is a point-in-time snapshot of registry activity.
type Metrics struct {
	CacheHits   int64
	CacheMisses int64
	Saves       int64
	Searches    int64
}

// String renders the metrics human-readable.
func (m Metrics) String() string {
	return fmt.Sprintf("Registry[hits=%d misses=%d saves=%d searches=%d]",
		m.CacheHits, m.CacheMisses, m.Saves, m.Searches)
}

// Metrics returns current registry counters.
func (r *Registry) Metrics() Metrics {
	return Metrics{
		CacheHits:   r.cacheHits.Load(),
		CacheMisses: r.cacheMisses.Load(),
		Saves:       r.saves.Load(),
		Searches:    r.searches.Load(),
	}
}
