package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"blocksmith/internal/core"
	"blocksmith/internal/planner"
)

var (
	planUser    string
	planOut     string
	planWatch   bool
	showPrompts bool
)

// planCmd turns an intent into a stored pipeline, streaming progress.
var planCmd = &cobra.Command{
	Use:   "plan [intent]",
	Short: "Plan a pipeline from a natural-language intent",
	Long: `Streams the planner's progress while it decomposes the intent,
matches requirements against the block catalog, synthesizes anything
missing, and wires the result into a pipeline.

The planned pipeline is saved so 'blocksmith run <pipeline-id>' can
execute it later.

Examples:
  blocksmith plan "check HN for rust posts every morning and notify me"
  blocksmith plan --watch "summarize my favorite blog's newest article"
  blocksmith plan --out pipeline.json "fetch the weather and store it"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planUser, "user", "u", "", "User id that owns the pipeline (default: local)")
	planCmd.Flags().StringVarP(&planOut, "out", "o", "", "Write the planned pipeline JSON to a file")
	planCmd.Flags().BoolVarP(&planWatch, "watch", "w", false, "Live full-screen view instead of line output")
	planCmd.Flags().BoolVar(&showPrompts, "show-prompts", false, "Print full model prompts and responses")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	intent := joinArgs(args)
	logger.Info("planning intent", zap.String("intent", intent))

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	events := rt.agent.Plan(ctx, intent, planUser)

	var state *core.PlannerState
	var failure string
	if planWatch {
		state, failure, err = watchPlan(intent, events)
	} else {
		state, failure = printPlan(events)
	}
	if err != nil {
		return err
	}
	if state == nil {
		// View dismissed mid-run. Unwind the planner goroutine before
		// the deferred close tears the stores out from under it.
		cancel()
		for range events {
		}
		return fmt.Errorf("planning cancelled")
	}
	if state.Status != core.PlanDone || state.PipelineJSON == nil {
		if failure == "" {
			failure = "planner stopped before wiring a pipeline"
		}
		return fmt.Errorf("planning failed: %s", failure)
	}

	pipe := state.PipelineJSON
	if serr := rt.store.SavePipeline(ctx, userOrLocal(planUser), pipe); serr != nil {
		logger.Warn("pipeline not saved", zap.String("pipeline", pipe.ID), zap.Error(serr))
	}

	st := newStyles()
	fmt.Println()
	fmt.Printf("%s %s\n", st.Badge.Render("pipeline"), st.Title.Render(pipe.ID))
	for _, node := range pipe.Nodes {
		fmt.Printf("  %s  %s\n", st.Muted.Render(node.ID), node.BlockID)
	}
	fmt.Printf("%s\n", st.Muted.Render(fmt.Sprintf("%d nodes, %d edges", len(pipe.Nodes), len(pipe.Edges))))

	if planOut != "" {
		doc, err := json.MarshalIndent(pipe, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode pipeline: %w", err)
		}
		if err := os.WriteFile(planOut, append(doc, '\n'), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", planOut, err)
		}
		fmt.Printf("%s\n", st.Muted.Render("wrote "+planOut))
	}
	return nil
}

// printPlan renders the stream line by line and returns the terminal
// state and failure message once the channel closes.
func printPlan(events <-chan planner.Event) (*core.PlannerState, string) {
	st := newStyles()
	var state *core.PlannerState
	var failure string
	for ev := range events {
		if line, show := eventLine(st, ev, showPrompts); show {
			fmt.Println(line)
		}
		if ev.Kind == planner.EventComplete {
			state = ev.State
			failure = ev.Error
		}
	}
	return state, failure
}

// watchPlan runs the live bubbletea view and returns the terminal state
// it collected.
func watchPlan(intent string, events <-chan planner.Event) (*core.PlannerState, string, error) {
	model := newPlanModel(intent, events)
	final, err := tea.NewProgram(model).Run()
	if err != nil {
		return nil, "", fmt.Errorf("watch view failed: %w", err)
	}
	m, ok := final.(planModel)
	if !ok {
		return nil, "", fmt.Errorf("watch view returned unexpected model")
	}
	return m.state, m.failed, nil
}

// eventLine renders one stream event. The second return is false for
// events hidden at the current verbosity.
func eventLine(st styles, ev planner.Event, prompts bool) (string, bool) {
	switch ev.Kind {
	case planner.EventStart:
		return st.Muted.Render("▸ " + ev.Message), true

	case planner.EventStage:
		return st.Stage.Render("▸ "+ev.Stage) + " " + ev.Message, true

	case planner.EventStageResult:
		return "  " + ev.Message, true

	case planner.EventLLMPrompt, planner.EventLLMResponse:
		if !prompts {
			return "", false
		}
		label := "prompt"
		if ev.Kind == planner.EventLLMResponse {
			label = "response"
		}
		return st.Muted.Render(fmt.Sprintf("── %s ──", label)) + "\n" +
			st.Block.Render(strings.TrimRight(ev.Text, "\n")), true

	case planner.EventValidation:
		if ev.OK {
			return st.Success.Render("✓") + " " + ev.Message, true
		}
		return st.Warning.Render("✗") + " " + ev.Message +
			st.Muted.Render(fmt.Sprintf(" (attempt %d)", ev.Attempt)), true

	case planner.EventSearchFound:
		return st.Success.Render("✓") + " " + ev.BlockID + st.Muted.Render(" — "+ev.Message), true

	case planner.EventSearchMissing:
		return st.Warning.Render("○") + " " + ev.BlockID + st.Muted.Render(" — "+ev.Message), true

	case planner.EventCreatingBlock:
		return st.Info.Render("⚙") + " " + ev.Message, true

	case planner.EventBlockCreated, planner.EventBlockTestPassed:
		return st.Success.Render("✓") + " " + ev.Message, true

	case planner.EventBlockTestFailed:
		return st.Warning.Render("✗") + " " + ev.Message, true

	case planner.EventBlockCreateFailed:
		return st.Error.Render("✗") + " " + ev.Message, true

	case planner.EventComplete:
		if ev.Error != "" {
			return st.Error.Render("✗ " + ev.Message), true
		}
		return st.Success.Render("✓ " + ev.Message), true
	}
	return "", false
}
