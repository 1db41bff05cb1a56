// Package synthesis turns a SynthesisRequest into a working python
// block through a bounded generate, run, repair loop. A block only
// comes back OK after it has executed its own golden test pair inside a
// fresh sandbox.
package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"blocksmith/internal/config"
	"blocksmith/internal/core"
	"blocksmith/internal/logging"
	"blocksmith/internal/perception"
	"blocksmith/internal/pycheck"
	"blocksmith/internal/sandbox"
)

// =============================================================================
// SYNTHESIZER
// =============================================================================

// Config bounds one synthesizer instance.
type Config struct {
	// MaxIterations caps the generate/repair loop.
	MaxIterations int
	// LLMTimeout is the per-generation deadline.
	LLMTimeout time.Duration
	// ExecTimeout bounds each sandbox execution.
	ExecTimeout time.Duration
	// InstallTimeout bounds package installation per attempt.
	InstallTimeout time.Duration
	// OutputTailLines is how much stdout/stderr tail lands in repair
	// prompts.
	OutputTailLines int
}

// DefaultConfig returns the reference synthesis bounds.
func DefaultConfig() Config {
	return Config{
		MaxIterations:   6,
		LLMTimeout:      120 * time.Second,
		ExecTimeout:     2 * time.Minute,
		InstallTimeout:  2 * time.Minute,
		OutputTailLines: 80,
	}
}

// FromAppConfig maps the application config onto synthesis bounds.
func FromAppConfig(cfg *config.Config) Config {
	return Config{
		MaxIterations:   cfg.Synthesis.MaxIterations,
		LLMTimeout:      cfg.GetSynthesisTimeout(),
		ExecTimeout:     cfg.GetSandboxTimeout(),
		InstallTimeout:  cfg.GetSandboxTimeout(),
		OutputTailLines: cfg.Synthesis.OutputTailLines,
	}
}

// Synthesizer drives the creation loop. Safe for concurrent use; every
// attempt gets its own sandbox.
type Synthesizer struct {
	llm     core.LLMClient
	factory sandbox.Factory
	checker *pycheck.Checker
	cfg     Config

	runs       atomic.Int64
	successes  atomic.Int64
	iterations atomic.Int64
}

// New builds a Synthesizer. Zero config fields fall back to defaults.
func New(llm core.LLMClient, factory sandbox.Factory, cfg Config) *Synthesizer {
	def := DefaultConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = def.LLMTimeout
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = def.InstallTimeout
	}
	if cfg.OutputTailLines <= 0 {
		cfg.OutputTailLines = def.OutputTailLines
	}
	return &Synthesizer{
		llm:     llm,
		factory: factory,
		checker: pycheck.New(),
		cfg:     cfg,
	}
}

// Synthesize runs the loop for req. The returned result carries the
// per-iteration failure log either way; when the cap is exhausted the
// error is KindSynthesisMaxIterations wrapping the last failure.
func (s *Synthesizer) Synthesize(ctx context.Context, req *core.SynthesisRequest) (*core.SynthesisResult, error) {
	timer := logging.StartTimer(logging.CategorySynthesis, "Synthesize")
	defer timer.Stop()

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	blockID := core.SlugID(req.Name)
	s.runs.Add(1)

	logging.Synthesis("synthesizing block %s (%s), network=%v, cap=%d",
		blockID, req.Purpose, req.NeedsNetwork, s.cfg.MaxIterations)

	result := &core.SynthesisResult{}
	var lastFailure string
	var previousSource string

	for iter := 1; iter <= s.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return result, core.FromContext(ctx, "synthesis")
		}
		result.Iterations = iter
		s.iterations.Add(1)

		prompt := creationPrompt(req)
		if iter > 1 {
			prompt = repairPrompt(req, previousSource, lastFailure)
		}

		source, packages, failure := s.generate(ctx, prompt)
		if failure != "" {
			lastFailure = failure
			result.Failures = append(result.Failures, fmt.Sprintf("iteration %d: %s", iter, failure))
			logging.SynthesisDebug("iteration %d generation failed: %s", iter, core.Truncate(failure, 200))
			continue
		}
		previousSource = source

		if err := s.checker.CheckBlockSource(source); err != nil {
			lastFailure = err.Error()
			result.Failures = append(result.Failures, fmt.Sprintf("iteration %d: %s", iter, lastFailure))
			logging.SynthesisDebug("iteration %d compile failed: %v", iter, err)
			continue
		}

		outputs, failure, err := s.runCandidate(ctx, req, source, packages)
		if err != nil {
			return result, err
		}
		if failure != "" {
			lastFailure = failure
			result.Failures = append(result.Failures, fmt.Sprintf("iteration %d: %s", iter, failure))
			logging.SynthesisDebug("iteration %d verification failed: %s", iter, core.Truncate(failure, 200))
			continue
		}

		block := s.buildBlock(blockID, req, source, packages, outputs)
		result.OK = true
		result.Block = block
		s.successes.Add(1)
		logging.Synthesis("block %s synthesized in %d iteration(s)", blockID, iter)
		return result, nil
	}

	logging.SynthesisWarn("block %s failed after %d iterations: %s",
		blockID, s.cfg.MaxIterations, core.Truncate(lastFailure, 300))
	var lastErr error
	if lastFailure != "" {
		lastErr = errors.New(lastFailure)
	}
	return result, core.NewSynthesisMaxIterations(s.cfg.MaxIterations, lastErr).WithBlock(blockID)
}

// generate calls the language capability and extracts the candidate
// source and its declared packages. Returns a failure string for
// repairable problems.
func (s *Synthesizer) generate(ctx context.Context, prompt string) (string, []string, string) {
	llmCtx, cancel := context.WithTimeout(ctx, s.cfg.LLMTimeout)
	defer cancel()

	raw, err := s.llm.CompleteWithSystem(llmCtx, synthesisSystemPrompt, prompt)
	if err != nil {
		return "", nil, "generation call failed: " + err.Error()
	}

	source, packages, err := parseResponse(raw)
	if err != nil {
		return "", nil, err.Error()
	}
	return source, packages, ""
}

// candidateResponse is the JSON shape the system prompt demands.
type candidateResponse struct {
	SourceCode string   `json:"source_code"`
	Packages   []string `json:"packages"`
}

// parseResponse accepts the documented JSON object, falling back to a
// bare fenced python block for models that ignore the envelope.
func parseResponse(raw string) (string, []string, error) {
	if doc, err := perception.ExtractJSONObject(raw); err == nil {
		var resp candidateResponse
		if err := json.Unmarshal([]byte(doc), &resp); err == nil && strings.TrimSpace(resp.SourceCode) != "" {
			return resp.SourceCode, resp.Packages, nil
		}
	}

	code := perception.ExtractCodeBlock(raw, "python")
	if strings.Contains(code, "def execute") {
		return code, nil, nil
	}

	return "", nil, core.NewValidation(core.SubkindStageSchema,
		"response carries neither a source_code JSON object nor a python block")
}

// runCandidate verifies one candidate inside a fresh sandbox. The
// returned failure string is repair context; a non-nil error aborts the
// whole synthesis (sandbox infrastructure is not repairable by prompt).
func (s *Synthesizer) runCandidate(ctx context.Context, req *core.SynthesisRequest, source string, packages []string) (map[string]interface{}, string, error) {
	sb, err := s.factory(req.NeedsNetwork)
	if err != nil {
		return nil, "", err
	}
	if err := sb.Start(ctx); err != nil {
		return nil, "", err
	}
	defer func() {
		if err := sb.Cleanup(context.Background()); err != nil {
			logging.SynthesisWarn("sandbox cleanup failed: %v", err)
		}
	}()

	install := unionPackages(packages, s.importedPackages(source))
	if len(install) > 0 {
		if err := sb.InstallPackages(ctx, install, s.cfg.InstallTimeout); err != nil {
			if ctx.Err() != nil {
				return nil, "", core.FromContext(ctx, "synthesis install")
			}
			return nil, "package install failed: " + err.Error(), nil
		}
	}

	payload := sandbox.Payload{
		Inputs:  req.TestInput,
		Context: map[string]interface{}{"memory": map[string]interface{}{}},
	}
	execResult, err := sb.Execute(ctx, source, payload, s.cfg.ExecTimeout)
	if err != nil {
		return nil, "", err
	}
	if !execResult.OK() {
		return nil, s.executionFailure(execResult), nil
	}

	runOut, err := sandbox.ParseRunOutput(execResult.Stdout)
	if err != nil {
		return nil, "harness output unreadable: " + err.Error(), nil
	}
	outputs, err := runOut.OutputsMap()
	if err != nil {
		return nil, err.Error(), nil
	}

	if err := validateOutputs(req.Outputs, outputs); err != nil {
		return nil, "output schema violation: " + err.Error(), nil
	}

	if len(req.ExpectedOutput) > 0 {
		if diff := compareGolden(req.ExpectedOutput, outputs); diff != "" {
			return nil, "output mismatch (-expected +actual):\n" + core.Truncate(diff, 1500), nil
		}
	}

	return outputs, "", nil
}

// executionFailure condenses a failed run into repair context: the
// classified failure, the stderr tail, and the stdout tail.
func (s *Synthesizer) executionFailure(result *sandbox.ExecutionResult) string {
	var sb strings.Builder
	if fail := result.Failure(); fail != nil {
		sb.WriteString(fail.Message)
	}
	stderrTail := core.TailLines(result.Stderr, s.cfg.OutputTailLines)
	if stderrTail != "" && !strings.Contains(sb.String(), stderrTail) {
		sb.WriteString("\nstderr:\n")
		sb.WriteString(stderrTail)
	}
	if stdoutTail := core.TailLines(result.Stdout, s.cfg.OutputTailLines); stdoutTail != "" {
		sb.WriteString("\nstdout:\n")
		sb.WriteString(stdoutTail)
	}
	return sb.String()
}

// buildBlock assembles the definition for a verified candidate. The
// golden pair rides along as the block's first example.
func (s *Synthesizer) buildBlock(blockID string, req *core.SynthesisRequest, source string, packages []string, outputs map[string]interface{}) *core.BlockDefinition {
	category := req.Category
	if !category.Valid() {
		category = core.CategoryProcess
	}

	block := &core.BlockDefinition{
		ID:            blockID,
		Name:          req.Name,
		Description:   req.Purpose,
		Category:      category,
		ExecutionType: core.ExecPython,
		InputSchema:   req.Inputs,
		OutputSchema:  req.Outputs,
		SourceCode:    source,
		UseWhen:       req.Purpose,
		Metadata: core.BlockMetadata{
			CreatedBy:    core.CreatedBySynthesizer,
			NeedsNetwork: req.NeedsNetwork,
			Packages:     unionPackages(packages, s.importedPackages(source)),
		},
	}
	if len(req.TestInput) > 0 || len(outputs) > 0 {
		block.Examples = []core.BlockExample{{Inputs: req.TestInput, Outputs: outputs}}
	}
	return block
}

// importedPackages derives pip names from the source's imports.
func (s *Synthesizer) importedPackages(source string) []string {
	pkgs, err := s.checker.ExtractImports(source)
	if err != nil {
		return nil
	}
	return pkgs
}

func unionPackages(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, pkg := range list {
			pkg = strings.TrimSpace(strings.ToLower(pkg))
			if pkg == "" || seen[pkg] {
				continue
			}
			seen[pkg] = true
			out = append(out, pkg)
		}
	}
	return out
}

func validateRequest(req *core.SynthesisRequest) error {
	if req == nil {
		return core.NewValidation(core.SubkindMissingRequired, "nil synthesis request")
	}
	if strings.TrimSpace(req.Name) == "" {
		return core.NewValidation(core.SubkindMissingRequired, "synthesis request has no name")
	}
	if core.SlugID(req.Name) == "" {
		return core.NewValidation(core.SubkindMissingRequired, fmt.Sprintf("name %q yields no usable block id", req.Name))
	}
	if strings.TrimSpace(req.Purpose) == "" {
		return core.NewValidation(core.SubkindMissingRequired, "synthesis request has no purpose")
	}
	return nil
}

// Metrics is a point-in-time snapshot of synthesizer activity.
type Metrics struct {
	Runs       int64
	Successes  int64
	Iterations int64
}

// String renders the metrics human-readable.
func (m Metrics) String() string {
	return fmt.Sprintf("Synthesis[runs=%d ok=%d iterations=%d]", m.Runs, m.Successes, m.Iterations)
}

// Metrics returns current synthesizer counters.
func (s *Synthesizer) Metrics() Metrics {
	return Metrics{
		Runs:       s.runs.Load(),
		Successes:  s.successes.Load(),
		Iterations: s.iterations.Load(),
	}
}
