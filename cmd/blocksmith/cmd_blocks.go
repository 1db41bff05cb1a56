package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"blocksmith/internal/core"
)

var (
	blocksCategory string
	blocksCreator  string
	searchLimit    int
)

// blocksCmd groups catalog operations.
var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "Inspect and manage the block catalog",
}

var blocksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog blocks",
	RunE:  listBlocks,
}

var blocksSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Hybrid text + vector search over the catalog",
	Long: `Scores blocks by combined full-text and embedding similarity over
their descriptions, use_when hints, and tags.

Example:
  blocksmith blocks search "send me an alert"`,
	Args: cobra.MinimumNArgs(1),
	RunE: searchBlocks,
}

var blocksShowCmd = &cobra.Command{
	Use:   "show [block-id]",
	Short: "Show one block, schemas and source included",
	Args:  cobra.ExactArgs(1),
	RunE:  showBlock,
}

var blocksAddCmd = &cobra.Command{
	Use:   "add [file]",
	Short: "Add a block from a JSON or YAML definition",
	Long: `Saves a block document through the normal gate: id and schema
validation, a Python compile check for python blocks, then embedding.
Rejected documents leave the catalog untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: addBlock,
}

func init() {
	blocksListCmd.Flags().StringVar(&blocksCategory, "category", "", "Filter by category (input, process, action, memory, trigger, control)")
	blocksListCmd.Flags().StringVar(&blocksCreator, "creator", "", "Filter by created_by (system, planner, synthesizer, user)")
	blocksSearchCmd.Flags().IntVar(&searchLimit, "limit", 5, "Maximum results")

	blocksCmd.AddCommand(blocksListCmd)
	blocksCmd.AddCommand(blocksSearchCmd)
	blocksCmd.AddCommand(blocksShowCmd)
	blocksCmd.AddCommand(blocksAddCmd)
}

func listBlocks(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	reg, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer reg.Close()

	var blocks []*core.BlockDefinition
	switch {
	case blocksCategory != "":
		blocks, err = reg.ListByCategory(ctx, core.BlockCategory(blocksCategory))
	case blocksCreator != "":
		blocks, err = reg.ListByCreator(ctx, blocksCreator)
	default:
		blocks, err = reg.List(ctx)
	}
	if err != nil {
		return err
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].ID < blocks[j].ID })

	st := newStyles()
	for _, b := range blocks {
		fmt.Printf("%-22s %s %s\n",
			st.Title.Render(b.ID),
			st.Badge.Render(string(b.Category)),
			st.Muted.Render(core.Truncate(b.Description, 72)))
	}
	fmt.Printf("\n%s\n", st.Muted.Render(fmt.Sprintf("%d blocks", len(blocks))))
	return nil
}

func searchBlocks(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	reg, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer reg.Close()

	query := joinArgs(args)
	results, err := reg.Search(ctx, query, searchLimit)
	if err != nil {
		return err
	}

	st := newStyles()
	if len(results) == 0 {
		fmt.Println(st.Muted.Render("no matches"))
		return nil
	}
	for _, res := range results {
		fmt.Printf("%s  %-22s %s\n",
			st.Success.Render(fmt.Sprintf("%.2f", res.Score)),
			st.Title.Render(res.Block.ID),
			st.Muted.Render(core.Truncate(res.Block.Description, 64)))
	}
	return nil
}

func showBlock(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	reg, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer reg.Close()

	block, err := reg.Get(ctx, args[0])
	if err != nil {
		return err
	}

	doc := blockMarkdown(block)
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Println(doc)
		return nil
	}
	out, err := renderer.Render(doc)
	if err != nil {
		fmt.Println(doc)
		return nil
	}
	fmt.Print(out)
	return nil
}

func addBlock(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	reg, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := reg.LoadSeedFile(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("added block from %s\n", args[0])
	return nil
}

// blockMarkdown renders a block definition as a markdown document for
// the terminal renderer.
func blockMarkdown(b *core.BlockDefinition) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s (`%s`)\n\n", b.Name, b.ID)
	fmt.Fprintf(&sb, "%s\n\n", b.Description)
	fmt.Fprintf(&sb, "- **category**: %s\n", b.Category)
	fmt.Fprintf(&sb, "- **execution**: %s\n", b.ExecutionType)
	fmt.Fprintf(&sb, "- **created by**: %s\n", b.Metadata.CreatedBy)
	if b.UseWhen != "" {
		fmt.Fprintf(&sb, "- **use when**: %s\n", b.UseWhen)
	}
	if len(b.Tags) > 0 {
		fmt.Fprintf(&sb, "- **tags**: %s\n", strings.Join(b.Tags, ", "))
	}
	if len(b.Metadata.Packages) > 0 {
		fmt.Fprintf(&sb, "- **packages**: %s\n", strings.Join(b.Metadata.Packages, ", "))
	}
	if b.Metadata.NeedsNetwork {
		sb.WriteString("- **network**: required\n")
	}

	sb.WriteString("\n## Inputs\n\n")
	writeSchemaTable(&sb, b.InputSchema)
	sb.WriteString("\n## Outputs\n\n")
	writeSchemaTable(&sb, b.OutputSchema)

	switch b.ExecutionType {
	case core.ExecPython:
		fmt.Fprintf(&sb, "\n## Source\n\n```python\n%s\n```\n", strings.TrimRight(b.SourceCode, "\n"))
	case core.ExecTextGeneration:
		fmt.Fprintf(&sb, "\n## Prompt template\n\n```\n%s\n```\n", strings.TrimRight(b.PromptTemplate, "\n"))
	}
	return sb.String()
}

func writeSchemaTable(sb *strings.Builder, schema core.IOSchema) {
	if len(schema.Properties) == 0 {
		sb.WriteString("_none_\n")
		return
	}
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop := schema.Properties[name]
		marker := ""
		if required[name] {
			marker = " (required)"
		}
		fmt.Fprintf(sb, "- `%s` %s%s — %s\n", name, prop.Type, marker, prop.Description)
	}
}
