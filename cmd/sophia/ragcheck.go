package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sophia-care/sophia/internal/retrieval"
)

func (c *cli) newRAGCheckCmd() *cobra.Command {
	var (
		topK   int
		themes []string
	)
	cmd := &cobra.Command{
		Use:   "rag-check <query>",
		Short: "Query the vector store and print the retrieved context",
		Long: `rag-check runs one retrieval outside of any conversation and prints the
gate decision, the records found and the context block the model would
receive. Use it to check the vector store configuration.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRAGCheck(cmd.Context(), strings.Join(args, " "), topK, themes)
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "number of records to fetch (defaults to $RAG_TOP_K)")
	cmd.Flags().StringSliceVar(&themes, "theme", nil, "themes to rank first")
	return cmd
}

func (c *cli) runRAGCheck(ctx context.Context, query string, topK int, themes []string) error {
	cfg := c.cfg
	if !cfg.RAG.Enabled() {
		return errors.New("retrieval is disabled: set VECTOR_STORE_URL")
	}
	if topK <= 0 {
		topK = cfg.RAG.TopK
	}

	var embedder retrieval.Embedder
	if cfg.RAG.EmbeddingModel != "" {
		llm, err := newLLM(cfg)
		if err != nil {
			return err
		}
		embedder = llm
	}
	client, err := newRetriever(cfg, embedder)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.stdout, "query: %q\n", query)
	fmt.Fprintf(c.stdout, "gate: retrieve=%t\n", newGate(cfg).ShouldRetrieve(query))

	res, err := client.Retrieve(ctx, query, topK, themes...)
	if err != nil {
		return fmt.Errorf("retrieval failed: %w", err)
	}
	fmt.Fprintf(c.stdout, "records: %d\n", len(res.Records))
	for i, r := range res.Records {
		fmt.Fprintf(c.stdout, "  #%d theme=%q severity=%q distance=%.4f risk=%t\n", i+1, r.Theme, r.Severity, r.Distance, r.RiskFlag)
	}
	if block := retrieval.Format(res.Records); block != "" {
		fmt.Fprintf(c.stdout, "\n%s\n", block)
	}
	return nil
}
