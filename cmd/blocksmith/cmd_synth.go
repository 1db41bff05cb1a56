package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"blocksmith/internal/core"
	"blocksmith/internal/sandbox"
	"blocksmith/internal/synthesis"
)

var synthSave bool

// synthCmd drives one synthesis from a request document, outside any
// planning run. Useful for building blocks ahead of time or debugging
// why the synthesizer can't satisfy a requirement.
var synthCmd = &cobra.Command{
	Use:   "synth [request-file]",
	Short: "Synthesize one block from a request document",
	Long: `Reads a synthesis request (JSON or YAML) and runs the full
generate-test-repair loop against the sandbox. The request names the
block, its purpose, its schemas, and a golden test pair:

  name: word_count
  purpose: count the words in a text
  inputs:
    properties:
      text: {type: string, description: text to count}
    required: [text]
  outputs:
    properties:
      count: {type: integer, description: word count}
    required: [count]
  test_input: {text: "one two three"}
  expected_output: {count: 3}`,
	Args: cobra.ExactArgs(1),
	RunE: runSynth,
}

func init() {
	synthCmd.Flags().BoolVar(&synthSave, "save", false, "Save the synthesized block to the catalog")
}

func runSynth(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	req, err := readSynthesisRequest(args[0])
	if err != nil {
		return err
	}

	llm, err := newLLMClient()
	if err != nil {
		return err
	}
	synth := synthesis.New(llm, sandbox.ConfigFactory(cfg), synthesis.FromAppConfig(cfg))

	logger.Info("synthesizing block", zap.String("name", req.Name))
	st := newStyles()
	result, err := synth.Synthesize(ctx, req)
	if result != nil {
		for _, failure := range result.Failures {
			fmt.Printf("%s %s\n", st.Warning.Render("✗"), failure)
		}
	}
	if err != nil {
		return err
	}

	block := result.Block
	fmt.Printf("%s %s %s\n\n", st.Success.Render("✓"), st.Title.Render(block.ID),
		st.Muted.Render(fmt.Sprintf("(%d iteration(s))", result.Iterations)))
	fmt.Println(st.Block.Render(strings.TrimRight(block.SourceCode, "\n")))

	if !synthSave {
		fmt.Println(st.Muted.Render("\nnot saved; rerun with --save to add it to the catalog"))
		return nil
	}

	reg, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := reg.Save(ctx, block); err != nil {
		return err
	}
	fmt.Printf("\n%s\n", st.Success.Render("saved "+block.ID))
	return nil
}

// readSynthesisRequest parses a JSON or YAML request document. YAML is
// round-tripped through a generic map so both formats share the JSON
// field names, same as block documents.
func readSynthesisRequest(path string) (*core.SynthesisRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}

	var req core.SynthesisRequest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("malformed yaml request: %w", err)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("unconvertible yaml request: %w", err)
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("request does not match the synthesis shape: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("malformed json request: %w", err)
		}
	}
	return &req, nil
}
