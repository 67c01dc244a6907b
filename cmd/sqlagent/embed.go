package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/denysKyrpota/SQL-agent-sub000/config"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/knowledge"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/llm"
	"github.com/denysKyrpota/SQL-agent-sub000/internal/store"
)

// embedCMD generates knowledge base embeddings as a one-shot job, useful
// before first serve or in CI after knowledge base changes.
func embedCMD() *cobra.Command {
	var cfgPath string
	var embed = &cobra.Command{
		Use:   "embed",
		Short: "Generate missing knowledge base embeddings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := context.Background()

			st, err := store.New(ctx, cfg.Storage.Postgres)
			if err != nil {
				return err
			}
			defer st.Close()

			provider := llm.NewClient(cfg.LLM, log.New(log.Writer(), "[LLM] ", log.LstdFlags))
			kb, err := knowledge.NewIndex(ctx, cfg.KnowledgeBase.Directory, cfg.LLM.EmbeddingModel,
				cfg.KnowledgeBase.EmbeddingBatch, provider, st, nil)
			if err != nil {
				return err
			}
			if err := kb.EnsureEmbeddings(ctx); err != nil {
				return err
			}
			stats := kb.Stats()
			fmt.Printf("knowledge base: %d examples, %d embedded\n", stats.Examples, stats.Embedded)
			return nil
		},
	}
	embed.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return embed
}
