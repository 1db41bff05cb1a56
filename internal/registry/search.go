package registry

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"blocksmith/internal/core"
	"blocksmith/internal/embedding"
	"blocksmith/internal/logging"
)

// =============================================================================
// HYBRID SEARCH
// =============================================================================
// Ranking combines a full-text score over {description, use_when, tags}
// with cosine similarity between the query embedding and each block
// embedding. Both components are normalized to [0,1] before weighting.
// When neither component can run (no FTS and the embed call failed) the
// search degrades to a case-insensitive substring scan.

const (
	textWeight   = 0.4
	vectorWeight = 0.6

	// candidatePool bounds how many rows each component contributes
	// before merging.
	candidatePool = 50
)

// SearchResult pairs a block with its hybrid ranking scores.
type SearchResult struct {
	Block       *core.BlockDefinition `json:"block"`
	Score       float64               `json:"score"`
	TextScore   float64               `json:"text_score"`
	VectorScore float64               `json:"vector_score"`
}

// Search ranks catalog blocks against a natural-language query and
// returns at most limit results, best first.
func (r *Registry) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, core.NewValidation(core.SubkindMissingRequired, "search query is empty")
	}
	if limit <= 0 {
		limit = 10
	}
	r.searches.Add(1)

	timer := logging.StartTimer(logging.CategoryRegistry, fmt.Sprintf("search %q", core.Truncate(query, 60)))
	defer timer.StopWithThreshold(250 * time.Millisecond)

	textScores, textErr := r.textScores(ctx, query)
	vecScores, vecErr := r.vectorScores(ctx, query)

	if textErr != nil && vecErr != nil {
		logging.RegistryWarn("hybrid rank unavailable (text: %v; vector: %v), substring fallback", textErr, vecErr)
		return r.substringSearch(ctx, query, limit)
	}
	if textErr != nil {
		logging.RegistryWarn("text rank unavailable, vector only: %v", textErr)
	}
	if vecErr != nil {
		logging.RegistryWarn("vector rank unavailable, text only: %v", vecErr)
	}

	merged := make(map[string]SearchResult)
	for id, ts := range textScores {
		res := merged[id]
		res.TextScore = ts
		merged[id] = res
	}
	for id, vs := range vecScores {
		res := merged[id]
		res.VectorScore = vs
		merged[id] = res
	}
	if len(merged) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	blocks, err := r.blocksByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(blocks))
	for _, b := range blocks {
		res := merged[b.ID]
		res.Block = b
		res.Score = textWeight*res.TextScore + vectorWeight*res.VectorScore
		results = append(results, res)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Block.ID < results[j].Block.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	logging.RegistryDebug("search %q: %d candidates, top score %.3f",
		core.Truncate(query, 60), len(results), topScore(results))
	return results, nil
}

func topScore(results []SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}
	return results[0].Score
}

// =============================================================================
// TEXT COMPONENT
// =============================================================================

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

func tokenize(s string) []string {
	return tokenPattern.FindAllString(strings.ToLower(s), -1)
}

// textScores returns normalized [0,1] full-text scores per block id.
func (r *Registry) textScores(ctx context.Context, query string) (map[string]float64, error) {
	if r.ftsEnabled {
		return r.ftsScores(ctx, query)
	}
	return r.tokenOverlapScores(ctx, query)
}

// ftsScores ranks via bm25. block_id is unindexed and weighted zero; the
// remaining weights keep description, use_when, and tags equal.
func (r *Registry) ftsScores(ctx context.Context, query string) (map[string]float64, error) {
	match := ftsMatchExpr(query)
	if match == "" {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT block_id, bm25(blocks_fts, 0, 1, 1, 1) AS rank
		FROM blocks_fts WHERE blocks_fts MATCH ?
		ORDER BY rank LIMIT ?`, match, candidatePool)
	if err != nil {
		return nil, fmt.Errorf("fts query failed: %w", err)
	}
	defer rows.Close()

	raw := make(map[string]float64)
	var maxRaw float64
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		// bm25 is negative, more negative = better.
		score := -rank
		if score < 0 {
			score = 0
		}
		raw[id] = score
		if score > maxRaw {
			maxRaw = score
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if maxRaw == 0 {
		return raw, nil
	}
	for id, score := range raw {
		raw[id] = score / maxRaw
	}
	return raw, nil
}

// ftsMatchExpr builds a safe OR query: raw user text can carry fts5
// operators and quotes.
func ftsMatchExpr(query string) string {
	words := tokenize(query)
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " OR ")
}

// tokenOverlapScores is the FTS-free text component: the fraction of
// query tokens present in each block's searchable text.
func (r *Registry) tokenOverlapScores(ctx context.Context, query string) (map[string]float64, error) {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT id, description, COALESCE(use_when, ''), COALESCE(tags, '') FROM blocks")
	if err != nil {
		return nil, fmt.Errorf("text scan failed: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var id, description, useWhen, tags string
		if err := rows.Scan(&id, &description, &useWhen, &tags); err != nil {
			return nil, err
		}

		docTokens := make(map[string]bool)
		for _, tok := range tokenize(description + " " + useWhen + " " + tags) {
			docTokens[tok] = true
		}

		matched := 0
		for _, tok := range queryTokens {
			if docTokens[tok] {
				matched++
			}
		}
		if matched > 0 {
			scores[id] = float64(matched) / float64(len(queryTokens))
		}
	}
	return scores, rows.Err()
}

// =============================================================================
// VECTOR COMPONENT
// =============================================================================

// vectorScores returns clamped [0,1] cosine similarities per block id.
func (r *Registry) vectorScores(ctx context.Context, query string) (map[string]float64, error) {
	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, core.NewCapability("query embedding failed", err)
	}

	if r.vecEnabled {
		return r.vecIndexScores(ctx, queryVec)
	}
	return r.cosineScanScores(ctx, queryVec)
}

// vecIndexScores runs a KNN query against the vec0 index. The index is
// declared with the cosine metric, so similarity = 1 - distance.
func (r *Registry) vecIndexScores(ctx context.Context, queryVec []float32) (map[string]float64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT block_id, distance FROM blocks_vec
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, encodeEmbedding(queryVec), candidatePool)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var id string
		var distance float64
		if err := rows.Scan(&id, &distance); err != nil {
			return nil, err
		}
		sim := 1 - distance
		if sim < 0 {
			sim = 0
		} else if sim > 1 {
			sim = 1
		}
		scores[id] = sim
	}
	return scores, rows.Err()
}

// cosineScanScores computes cosine similarity in process, the same way
// the catalog worked before the vec extension existed. Blocks whose
// stored dimensionality no longer matches the engine are skipped.
func (r *Registry) cosineScanScores(ctx context.Context, queryVec []float32) (map[string]float64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, embedding FROM blocks WHERE embedding IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("embedding scan failed: %w", err)
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		if len(blob) == 0 {
			continue
		}
		sim, err := embedding.CosineSimilarity(queryVec, decodeEmbedding(blob))
		if err != nil {
			continue
		}
		if sim < 0 {
			sim = 0
		}
		scores[id] = sim
	}
	return scores, rows.Err()
}

// =============================================================================
// SUBSTRING FALLBACK
// =============================================================================

// substringSearch is the capability-failure fallback: case-insensitive
// containment over {id, name, description, tags}. An exact id match
// outranks everything else.
func (r *Registry) substringSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	needle := strings.ToLower(query)
	pattern := "%" + needle + "%"

	blocks, err := r.queryBlocks(ctx, `
		SELECT `+blockColumns+` FROM blocks
		WHERE lower(id) LIKE ? OR lower(name) LIKE ? OR lower(description) LIKE ? OR lower(COALESCE(tags, '')) LIKE ?
		ORDER BY id LIMIT ?`, pattern, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(blocks))
	for _, b := range blocks {
		score := 0.5
		if strings.ToLower(b.ID) == needle {
			score = 1.0
		}
		results = append(results, SearchResult{Block: b, Score: score, TextScore: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Block.ID < results[j].Block.ID
	})
	return results, nil
}

// blocksByID loads a candidate set in one query.
func (r *Registry) blocksByID(ctx context.Context, ids []string) ([]*core.BlockDefinition, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return r.queryBlocks(ctx,
		"SELECT "+blockColumns+" FROM blocks WHERE id IN ("+placeholders+") ORDER BY id", args...)
}
