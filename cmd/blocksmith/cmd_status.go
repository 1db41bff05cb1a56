package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"blocksmith/internal/sandbox"
	"blocksmith/internal/store"
)

// statusCmd shows what a fresh command would run against.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and catalog status",
	RunE:  showStatus,
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	fmt.Printf("blocksmith %s\n", cfg.Version)
	fmt.Printf("data dir: %s\n", cfg.DataDir)
	fmt.Println()

	if cfg.LLM.APIKey != "" {
		fmt.Printf("✓ %s model configured (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
	} else {
		fmt.Printf("✗ no %s API key; planning and synthesis will fail\n", cfg.LLM.Provider)
	}
	if cfg.Embedding.APIKey != "" {
		fmt.Printf("✓ %s embeddings configured (%s)\n", cfg.Embedding.Provider, cfg.Embedding.Model)
	} else {
		fmt.Println("✗ no embedding API key; vector search degrades to full-text")
	}

	backend := cfg.Sandbox.Backend
	if backend == "auto" || backend == "" {
		if sandbox.DockerAvailable() {
			backend = "docker"
		} else {
			backend = "subprocess"
		}
	}
	fmt.Printf("✓ sandbox backend: %s\n", backend)
	fmt.Println()

	reg, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer reg.Close()

	rstats, err := reg.GetStats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("catalog: %d blocks (fts=%v vec=%v)\n", rstats.TotalBlocks, rstats.FTSEnabled, rstats.VecEnabled)
	categories := make([]string, 0, len(rstats.ByCategory))
	for cat := range rstats.ByCategory {
		categories = append(categories, cat)
	}
	sort.Strings(categories)
	for _, cat := range categories {
		fmt.Printf("  %-10s %d\n", cat, rstats.ByCategory[cat])
	}

	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return err
	}
	defer st.Close()

	sstats, err := st.GetStats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("store: %d pipelines, %d runs, %d notifications\n",
		sstats.Pipelines, sstats.Runs, sstats.Notifications)
	return nil
}
