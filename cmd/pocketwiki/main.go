// Command pocketwiki builds portable offline wiki bundles and answers
// questions over them with hybrid retrieval.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orneryd/pocketwiki/pkg/config"
	"github.com/orneryd/pocketwiki/pkg/embed"
	"github.com/orneryd/pocketwiki/pkg/localllm"
	"github.com/orneryd/pocketwiki/pkg/pipeline"
	"github.com/orneryd/pocketwiki/pkg/retrieval"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd(ctx).Execute(); err != nil {
		log.Fatal(err)
	}
}

func rootCmd(ctx context.Context) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "pocketwiki",
		Short:         "Build and query offline Wikipedia RAG bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (defaults applied when omitted)")

	loadConfig := func() (*config.Config, error) {
		if configFile == "" {
			return config.Default(), nil
		}
		return config.Load(configFile)
	}

	root.AddCommand(buildCmd(ctx, loadConfig))
	root.AddCommand(queryCmd(ctx, loadConfig))
	root.AddCommand(chatCmd(ctx, loadConfig))
	return root
}

func buildCmd(ctx context.Context, loadConfig func() (*config.Config, error)) *cobra.Command {
	var sourceURL string
	var forceRestart bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Run the full bundle build pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if sourceURL != "" {
				cfg.StreamParse.SourceURL = sourceURL
			}
			if cfg.StreamParse.SourceURL == "" {
				return fmt.Errorf("a dump source is required (--source or config stream_parse.source_url)")
			}
			cfg.StreamParse.ForceRestart = forceRestart

			embedder := embed.NewOllamaEmbedder(cfg.Embed.OllamaURL, cfg.Embed.ModelName, cfg.Embed.Dimension)
			dense, err := pipeline.NewDenseBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer dense.Close()
			return pipeline.Build(ctx, cfg, embedder, dense)
		},
	}
	cmd.Flags().StringVar(&sourceURL, "source", "", "dump URL (http(s):// or file://)")
	cmd.Flags().BoolVar(&forceRestart, "force-restart", false, "discard checkpoints and start over")
	return cmd
}

func queryCmd(ctx context.Context, loadConfig func() (*config.Config, error)) *cobra.Command {
	var bundleDir string

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Run one hybrid retrieval query against a bundle",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if bundleDir == "" {
				bundleDir = cfg.BundleDir
			}
			bundle, err := retrieval.OpenBundle(ctx, bundleDir, nil)
			if err != nil {
				return err
			}
			defer bundle.Close()

			var embedder embed.Embedder
			if bundle.Dense != nil {
				embedder = embed.NewOllamaEmbedder(cfg.Embed.OllamaURL, cfg.Embed.ModelName, cfg.Embed.Dimension)
			}
			asm := retrieval.NewAssembler(cfg.Retrieval, bundle.Sparse, bundle.Dense, embedder, bundle.Store)

			question := args[0]
			results, err := asm.Query(ctx, question)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Printf("%2d. [%s] (chunk %d, score %.4f)\n    %s\n",
					r.Rank+1, r.PageTitle, r.ChunkID, r.FusedScore, snippet(r.Text, 160))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bundleDir, "bundle", "", "bundle directory (default from config)")
	return cmd
}

func chatCmd(ctx context.Context, loadConfig func() (*config.Config, error)) *cobra.Command {
	var bundleDir, model string

	cmd := &cobra.Command{
		Use:   "chat <question>",
		Short: "Answer a question over the bundle with the local LLM",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if bundleDir == "" {
				bundleDir = cfg.BundleDir
			}
			bundle, err := retrieval.OpenBundle(ctx, bundleDir, nil)
			if err != nil {
				return err
			}
			defer bundle.Close()

			var embedder embed.Embedder
			if bundle.Dense != nil {
				embedder = embed.NewOllamaEmbedder(cfg.Embed.OllamaURL, cfg.Embed.ModelName, cfg.Embed.Dimension)
			}
			asm := retrieval.NewAssembler(cfg.Retrieval, bundle.Sparse, bundle.Dense, embedder, bundle.Store)

			question := args[0]
			results, err := asm.Query(ctx, question)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No relevant context found in the bundle.")
				return nil
			}

			contextText := retrieval.BuildContext(results, cfg.Retrieval.MaxContextTokens)
			gen := localllm.NewOllamaGenerator(cfg.Embed.OllamaURL, model)
			err = gen.GenerateStream(ctx, localllm.BuildPrompt(question, contextText), func(token string) error {
				fmt.Print(token)
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Println()
			fmt.Println("\nSources:")
			seen := map[string]bool{}
			for _, r := range results {
				if !seen[r.PageTitle] {
					seen[r.PageTitle] = true
					fmt.Printf("  - %s\n", r.PageTitle)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&bundleDir, "bundle", "", "bundle directory (default from config)")
	cmd.Flags().StringVar(&model, "model", "", "generation model (default llama3.2)")
	return cmd
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
