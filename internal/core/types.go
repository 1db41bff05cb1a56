// Package core holds the shared data model for blocksmith: block
// definitions, pipelines, run state, planner state, and the error
// taxonomy every component reports through. It has no dependencies on
// other blocksmith packages so that registry, planner, executor, and
// sandbox can all speak the same types without import cycles.
package core

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// BLOCK DEFINITION
// =============================================================================

// BlockCategory classifies what role a block plays in a pipeline.
type BlockCategory string

const (
	CategoryInput   BlockCategory = "input"
	CategoryProcess BlockCategory = "process"
	CategoryAction  BlockCategory = "action"
	CategoryMemory  BlockCategory = "memory"
	CategoryTrigger BlockCategory = "trigger"
	CategoryControl BlockCategory = "control"
)

// Valid reports whether the category is one of the six known kinds.
func (c BlockCategory) Valid() bool {
	switch c {
	case CategoryInput, CategoryProcess, CategoryAction, CategoryMemory, CategoryTrigger, CategoryControl:
		return true
	}
	return false
}

// ExecutionType selects how the executor runs a block.
type ExecutionType string

const (
	// ExecPython runs source_code inside the sandbox.
	ExecPython ExecutionType = "python"
	// ExecTextGeneration renders prompt_template and calls the language capability.
	ExecTextGeneration ExecutionType = "text_generation"
	// ExecLegacyLLM is accepted on load and normalized before use; no block
	// carries it past the registry boundary.
	ExecLegacyLLM ExecutionType = "llm"
)

// CreatedBy values for BlockMetadata.
const (
	CreatedBySystem      = "system"
	CreatedByPlanner     = "planner"
	CreatedBySynthesizer = "synthesizer"
	CreatedByUser        = "user"
)

// BlockMetadata carries provenance and capability flags.
type BlockMetadata struct {
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
	NeedsNetwork bool      `json:"needs_network,omitempty"`

	// Packages lists pip packages the block's source imports. The
	// sandbox installs them before execution; a flow sandbox installs
	// the union across all blocks once.
	Packages []string `json:"packages,omitempty"`
}

// BlockExample is a paired input/output sample. Examples double as the
// synthesizer's golden test cases.
type BlockExample struct {
	Inputs  map[string]interface{} `json:"inputs"`
	Outputs map[string]interface{} `json:"outputs"`
}

// BlockDefinition is the fundamental unit of work. See the registry for
// persistence and search; the executor for runtime semantics.
type BlockDefinition struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Category      BlockCategory `json:"category"`
	ExecutionType ExecutionType `json:"execution_type"`

	InputSchema  IOSchema `json:"input_schema"`
	OutputSchema IOSchema `json:"output_schema"`

	// SourceCode is required for python blocks: a self-contained program
	// exposing execute(inputs, context) -> outputs.
	SourceCode string `json:"source_code,omitempty"`

	// PromptTemplate is the text_generation body with {name} placeholders
	// drawn from input property names.
	PromptTemplate string `json:"prompt_template,omitempty"`

	UseWhen      string         `json:"use_when,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Examples     []BlockExample `json:"examples,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`

	// Embedding is computed over SearchText() at save time, never over schemas.
	Embedding []float32 `json:"-"`

	Metadata BlockMetadata `json:"metadata"`
}

var blockIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var slugScrubPattern = regexp.MustCompile(`[^a-z0-9]+`)

// SlugID normalizes a free-form name into a valid block id. Runs of
// non-alphanumerics collapse to single underscores and a leading digit
// gets a "block_" prefix. Empty input yields "".
func SlugID(name string) string {
	slug := slugScrubPattern.ReplaceAllString(strings.ToLower(name), "_")
	slug = strings.Trim(slug, "_")
	if slug == "" {
		return ""
	}
	if slug[0] >= '0' && slug[0] <= '9' {
		slug = "block_" + slug
	}
	return slug
}

// Validate checks the structural invariants that hold for every block
// regardless of where it came from. Compilation of python sources is the
// registry's save gate, not part of this check.
func (b *BlockDefinition) Validate() error {
	if b.ID == "" {
		return NewValidation(SubkindStageSchema, "block id is empty")
	}
	if !blockIDPattern.MatchString(b.ID) {
		return NewValidation(SubkindStageSchema, fmt.Sprintf("block id %q is not snake_case", b.ID)).WithBlock(b.ID)
	}
	if !b.Category.Valid() {
		return NewValidation(SubkindStageSchema, fmt.Sprintf("unknown category %q", b.Category)).WithBlock(b.ID)
	}
	switch b.ExecutionType {
	case ExecPython:
		if strings.TrimSpace(b.SourceCode) == "" {
			return NewValidation(SubkindSourceCompile, "python block has no source_code").WithBlock(b.ID)
		}
	case ExecTextGeneration:
		if err := b.validatePromptPlaceholders(); err != nil {
			return err
		}
	case ExecLegacyLLM:
		// Normalized at registry load; tolerated here so seed documents parse.
	default:
		return NewValidation(SubkindStageSchema, fmt.Sprintf("unknown execution_type %q", b.ExecutionType)).WithBlock(b.ID)
	}
	if err := b.InputSchema.Validate(); err != nil {
		return NewValidation(SubkindStageSchema, fmt.Sprintf("input_schema: %v", err)).WithBlock(b.ID)
	}
	if err := b.OutputSchema.Validate(); err != nil {
		return NewValidation(SubkindStageSchema, fmt.Sprintf("output_schema: %v", err)).WithBlock(b.ID)
	}
	return nil
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// validatePromptPlaceholders enforces that every {name} placeholder in the
// prompt template names an input property.
func (b *BlockDefinition) validatePromptPlaceholders() error {
	for _, m := range placeholderPattern.FindAllStringSubmatch(b.PromptTemplate, -1) {
		name := m[1]
		if _, ok := b.InputSchema.Properties[name]; !ok {
			return NewValidation(SubkindStageSchema,
				fmt.Sprintf("prompt placeholder {%s} is not an input property", name)).WithBlock(b.ID)
		}
	}
	return nil
}

// SearchText builds the canonical summary the embedding is computed over:
// description, use_when, and tags. Schemas are deliberately excluded.
func (b *BlockDefinition) SearchText() string {
	var sb strings.Builder
	sb.WriteString(b.Description)
	if b.UseWhen != "" {
		sb.WriteString(". Use when ")
		sb.WriteString(b.UseWhen)
	}
	if len(b.Tags) > 0 {
		sb.WriteString(". Related to: ")
		sb.WriteString(strings.Join(b.Tags, ", "))
	}
	return sb.String()
}

// Clone returns a deep copy so cache readers can never alias a stored block.
func (b *BlockDefinition) Clone() *BlockDefinition {
	if b == nil {
		return nil
	}
	out := *b
	out.InputSchema = b.InputSchema.clone()
	out.OutputSchema = b.OutputSchema.clone()
	out.Tags = append([]string(nil), b.Tags...)
	out.Dependencies = append([]string(nil), b.Dependencies...)
	out.Embedding = append([]float32(nil), b.Embedding...)
	out.Metadata.Packages = append([]string(nil), b.Metadata.Packages...)
	out.Examples = make([]BlockExample, len(b.Examples))
	for i, ex := range b.Examples {
		out.Examples[i] = BlockExample{Inputs: cloneAnyMap(ex.Inputs), Outputs: cloneAnyMap(ex.Outputs)}
	}
	return &out
}

func cloneAnyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// PIPELINE
// =============================================================================

// Node is one block instance inside a pipeline.
type Node struct {
	ID      string                 `json:"id"`
	BlockID string                 `json:"block_id"`
	Inputs  map[string]interface{} `json:"inputs"`
}

// Edge declares that To depends on From.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Pipeline is the DAG the planner emits and the executor runs.
type Pipeline struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	UserPrompt string   `json:"user_prompt,omitempty"`
	Nodes      []Node   `json:"nodes"`
	Edges      []Edge   `json:"edges"`
	MemoryKeys []string `json:"memory_keys,omitempty"`
}

var nodeIDPattern = regexp.MustCompile(`^n[1-9][0-9]*$`)

// Validate enforces the pipeline invariants: node ids sequential and
// unique, edges referencing known nodes, and an acyclic graph.
func (p *Pipeline) Validate() error {
	if len(p.Nodes) == 0 {
		return NewValidation(SubkindStageSchema, "pipeline has no nodes")
	}

	seen := make(map[string]bool, len(p.Nodes))
	for _, n := range p.Nodes {
		if !nodeIDPattern.MatchString(n.ID) {
			return NewValidation(SubkindStageSchema, fmt.Sprintf("node id %q is not of the form nX", n.ID)).WithNode(n.ID)
		}
		if seen[n.ID] {
			return NewValidation(SubkindStageSchema, fmt.Sprintf("duplicate node id %q", n.ID)).WithNode(n.ID)
		}
		if n.BlockID == "" {
			return NewValidation(SubkindStageSchema, "node has no block_id").WithNode(n.ID)
		}
		seen[n.ID] = true
	}
	// Sequential: ids must be exactly n1..nN.
	for i := 1; i <= len(p.Nodes); i++ {
		if !seen[fmt.Sprintf("n%d", i)] {
			return NewValidation(SubkindStageSchema, fmt.Sprintf("node ids are not sequential: n%d missing", i))
		}
	}

	for _, e := range p.Edges {
		if !seen[e.From] {
			return NewValidation(SubkindStageSchema, fmt.Sprintf("edge references unknown node %q", e.From))
		}
		if !seen[e.To] {
			return NewValidation(SubkindStageSchema, fmt.Sprintf("edge references unknown node %q", e.To))
		}
		if e.From == e.To {
			return NewValidation(SubkindStageSchema, fmt.Sprintf("self edge on %q", e.From)).WithNode(e.From)
		}
	}

	if cycle := p.findCycle(); len(cycle) > 0 {
		return NewValidation(SubkindStageSchema, fmt.Sprintf("pipeline has a cycle: %s", strings.Join(cycle, " -> ")))
	}
	return nil
}

// findCycle runs Kahn's algorithm; leftover nodes form a cycle.
func (p *Pipeline) findCycle() []string {
	indegree := make(map[string]int, len(p.Nodes))
	adj := make(map[string][]string, len(p.Nodes))
	for _, n := range p.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range p.Edges {
		adj[e.From] = append(adj[e.From], e.To)
		indegree[e.To]++
	}

	queue := make([]string, 0, len(p.Nodes))
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	removed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		removed++
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if removed == len(p.Nodes) {
		return nil
	}
	var cycle []string
	for id, d := range indegree {
		if d > 0 {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	return cycle
}

// Node returns the node with the given id, if present.
func (p *Pipeline) Node(id string) (*Node, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// Predecessors returns the ids of nodes with an edge into nodeID.
func (p *Pipeline) Predecessors(nodeID string) []string {
	var preds []string
	for _, e := range p.Edges {
		if e.To == nodeID {
			preds = append(preds, e.From)
		}
	}
	return preds
}

// HasEdge reports whether from -> to is declared.
func (p *Pipeline) HasEdge(from, to string) bool {
	for _, e := range p.Edges {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

// =============================================================================
// PLANNER STATE
// =============================================================================

// PlannerStatus tracks progression through the four planning stages.
type PlannerStatus int

const (
	PlanPending PlannerStatus = iota
	PlanDecomposing
	PlanSearching
	PlanCreating
	PlanWiring
	PlanDone
	PlanFailed
)

// String returns the lowercase status name.
func (s PlannerStatus) String() string {
	switch s {
	case PlanPending:
		return "pending"
	case PlanDecomposing:
		return "decomposing"
	case PlanSearching:
		return "searching"
	case PlanCreating:
		return "creating"
	case PlanWiring:
		return "wiring"
	case PlanDone:
		return "done"
	case PlanFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

var plannerStatusNames = map[string]PlannerStatus{
	"pending":     PlanPending,
	"decomposing": PlanDecomposing,
	"searching":   PlanSearching,
	"creating":    PlanCreating,
	"wiring":      PlanWiring,
	"done":        PlanDone,
	"failed":      PlanFailed,
}

// MarshalJSON emits the stable lowercase name; planner state crosses
// the HTTP surface and numeric stages would pin clients to iota order.
func (s PlannerStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *PlannerStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("planner status must be a string: %w", err)
	}
	status, ok := plannerStatusNames[name]
	if !ok {
		return fmt.Errorf("unknown planner status %q", name)
	}
	*s = status
	return nil
}

// RequiredBlock is one entry of the decompose stage's output: either a
// reference to an expected catalog id or the description of a block that
// must be synthesized.
type RequiredBlock struct {
	ID           string        `json:"id"`
	Purpose      string        `json:"purpose"`
	Category     BlockCategory `json:"category,omitempty"`
	InputSchema  IOSchema      `json:"input_schema,omitempty"`
	OutputSchema IOSchema      `json:"output_schema,omitempty"`
	NeedsNetwork bool          `json:"needs_network,omitempty"`
}

// PlannerState advances through the four stages.
type PlannerState struct {
	Status           PlannerStatus               `json:"status"`
	Intent           string                      `json:"intent"`
	UserID           string                      `json:"user_id"`
	RequiredBlocks   []RequiredBlock             `json:"required_blocks,omitempty"`
	MatchedBlocks    map[string]*BlockDefinition `json:"matched_blocks,omitempty"`
	MissingBlocks    []RequiredBlock             `json:"missing_blocks,omitempty"`
	CreationFailures []string                    `json:"creation_failures,omitempty"`
	PipelineJSON     *Pipeline                   `json:"pipeline_json,omitempty"`
}

// =============================================================================
// SYNTHESIS
// =============================================================================

// SynthesisRequest asks the synthesizer for a block whose execute, given
// TestInput, returns ExpectedOutput.
type SynthesisRequest struct {
	Name           string                 `json:"name"`
	Purpose        string                 `json:"purpose"`
	Category       BlockCategory          `json:"category,omitempty"`
	Inputs         IOSchema               `json:"inputs"`
	Outputs        IOSchema               `json:"outputs"`
	TestInput      map[string]interface{} `json:"test_input,omitempty"`
	ExpectedOutput map[string]interface{} `json:"expected_output,omitempty"`
	NeedsNetwork   bool                   `json:"needs_network,omitempty"`
}

// SynthesisResult reports one synthesizer run. OK implies Block passed its
// own golden pair at the moment of return.
type SynthesisResult struct {
	OK         bool             `json:"ok"`
	Block      *BlockDefinition `json:"block,omitempty"`
	Iterations int              `json:"iterations"`
	Failures   []string         `json:"failures,omitempty"`
}
