package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"blocksmith/internal/core"
	"blocksmith/internal/executor"
)

var (
	runUser     string
	runData     string
	runDataFile string
)

// runCmd executes a stored or file-based pipeline.
var runCmd = &cobra.Command{
	Use:   "run [pipeline-id | pipeline.json]",
	Short: "Execute a planned pipeline",
	Long: `Runs a pipeline by its stored id, or straight from a JSON document
written by 'blocksmith plan --out'.

Trigger data is surfaced to the pipeline's trigger nodes, the way an
inbound webhook body would be:

  blocksmith run pipe_check_weather --data '{"city": "Lisbon"}'
  blocksmith run pipeline.json --user alice`,
	Args: cobra.ExactArgs(1),
	RunE: runPipeline,
}

func init() {
	runCmd.Flags().StringVarP(&runUser, "user", "u", "", "User id for file runs (default: local)")
	runCmd.Flags().StringVar(&runData, "data", "", "Trigger data as inline JSON")
	runCmd.Flags().StringVar(&runDataFile, "data-file", "", "Trigger data from a JSON file")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	data, err := parseTriggerData(runData, runDataFile)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	ref := args[0]
	var run *core.RunState
	if _, serr := os.Stat(ref); serr == nil {
		run, err = runFromFile(ctx, rt, ref, data)
	} else {
		// Stored pipelines run as their owner, like a webhook trigger.
		logger.Info("triggering stored pipeline", zap.String("pipeline", ref))
		run, err = rt.agent.TriggerRun(ctx, ref, data)
	}
	if err != nil {
		return err
	}

	printRun(run)
	if run.Failed() {
		return fmt.Errorf("run %s failed", run.RunID)
	}
	return nil
}

func runFromFile(ctx context.Context, rt *runtime, path string, data map[string]interface{}) (*core.RunState, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	var pipe core.Pipeline
	if err := json.Unmarshal(doc, &pipe); err != nil {
		return nil, fmt.Errorf("malformed pipeline document: %w", err)
	}

	logger.Info("running pipeline from file",
		zap.String("path", path), zap.String("pipeline", pipe.ID))
	return rt.agent.Execute(ctx, executor.Request{
		Pipeline:    &pipe,
		UserID:      runUser,
		TriggerData: data,
	})
}

// parseTriggerData merges --data and --data-file; inline keys win.
func parseTriggerData(inline, file string) (map[string]interface{}, error) {
	data := map[string]interface{}{}
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read trigger data file: %w", err)
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("trigger data file is not a JSON object: %w", err)
		}
	}
	if inline != "" {
		var d map[string]interface{}
		if err := json.Unmarshal([]byte(inline), &d); err != nil {
			return nil, fmt.Errorf("--data is not a JSON object: %w", err)
		}
		for k, v := range d {
			data[k] = v
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

func printRun(run *core.RunState) {
	st := newStyles()
	results := run.Results()

	for _, id := range sortedNodeIDs(results) {
		res := results[id]
		mark := st.Success.Render("✓")
		detail := st.Muted.Render(res.Duration.Round(time.Millisecond).String())
		switch res.Status {
		case core.NodeFailed:
			mark = st.Error.Render("✗")
			detail = st.Error.Render(res.ErrorText)
		case core.NodeTriggered:
			mark = st.Info.Render("▸")
			detail = st.Muted.Render("trigger")
		}
		fmt.Printf("%s %s  %s  %s\n", mark, st.Muted.Render(id), res.BlockID, detail)
	}

	status := st.Success.Render("succeeded")
	if run.Failed() {
		status = st.Error.Render("failed")
	}
	fmt.Printf("\n%s %s %s %s\n", st.Badge.Render("run"), run.RunID, status,
		st.Muted.Render("user="+userOrLocal(run.UserID)))
}

// sortedNodeIDs orders node ids numerically (n1, n2, ... n10) so the
// report reads in planning order.
func sortedNodeIDs(results map[string]*core.NodeResult) []string {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.Atoi(strings.TrimPrefix(ids[i], "n"))
		b, berr := strconv.Atoi(strings.TrimPrefix(ids[j], "n"))
		if aerr != nil || berr != nil {
			return ids[i] < ids[j]
		}
		return a < b
	})
	return ids
}
