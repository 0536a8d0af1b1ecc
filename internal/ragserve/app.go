// Package ragserve provides the RAG serving application.
package ragserve

import (
	"context"
	"fmt"

	"github.com/kart-io/ragserve/pkg/app"

	// 注册 LLM 供应商
	_ "github.com/kart-io/ragserve/pkg/llm/deepseek"
	_ "github.com/kart-io/ragserve/pkg/llm/ollama"
	_ "github.com/kart-io/ragserve/pkg/llm/openai"
)

const appDescription = `RAG Serving Pipeline

A retrieval-augmented generation service.

This server provides:
  - Document ingestion with token-aware chunking and vector embeddings
  - Semantic similarity search with repository and path filtering
  - Session-scoped streaming generation with provider failover`

// NewApp creates a new application instance.
func NewApp() *app.App {
	opts := NewOptions()

	return app.NewApp(
		app.WithName(Name),
		app.WithDescription(appDescription),
		app.WithOptions(opts),
		app.WithRunFunc(func() error {
			return Run(opts)
		}),
	)
}

// Run runs the RAG service with the given options.
func Run(opts *Options) error {
	printBanner()

	ctx := context.Background()
	srv, err := NewServer(ctx, opts)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func printBanner() {
	fmt.Printf("Starting %s...\n", Name)
}
