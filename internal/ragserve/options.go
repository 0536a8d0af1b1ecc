// Package ragserve provides the RAG serving application.
package ragserve

import (
	"errors"
	"time"

	"github.com/spf13/pflag"

	httpopts "github.com/kart-io/ragserve/pkg/options/http"
	llmopts "github.com/kart-io/ragserve/pkg/options/llm"
	logopts "github.com/kart-io/ragserve/pkg/options/logger"
	milvusopts "github.com/kart-io/ragserve/pkg/options/milvus"
	pgopts "github.com/kart-io/ragserve/pkg/options/postgres"
	ragopts "github.com/kart-io/ragserve/pkg/options/rag"
	redisopts "github.com/kart-io/ragserve/pkg/options/redis"
)

// Options contains all ragserve options.
type Options struct {
	// HTTP contains HTTP server configuration.
	HTTP *httpopts.Options `json:"http" mapstructure:"http"`

	// Log contains logger configuration.
	Log *logopts.Options `json:"log" mapstructure:"log"`

	// Postgres contains PostgreSQL configuration (used when rag.backend is postgres).
	Postgres *pgopts.Options `json:"postgres" mapstructure:"postgres"`

	// Redis contains Redis configuration for the embedding cache.
	Redis *redisopts.Options `json:"redis" mapstructure:"redis"`

	// Milvus contains Milvus configuration (used when rag.backend is milvus).
	Milvus *milvusopts.Options `json:"milvus" mapstructure:"milvus"`

	// Embedding contains the embedding provider configuration.
	Embedding *llmopts.ProviderOptions `json:"embedding" mapstructure:"embedding"`

	// Generators 流式生成供应商配置，按序作为默认故障转移顺序。
	// 旗标只覆盖第一个，其余通过配置文件提供。
	Generators []*llmopts.ProviderOptions `json:"generators" mapstructure:"generators"`

	// RAG contains RAG pipeline configuration.
	RAG *ragopts.Options `json:"rag" mapstructure:"rag"`

	// ShutdownTimeout 优雅退出等待时间。
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`
}

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	return &Options{
		HTTP:            httpopts.NewOptions(),
		Log:             logopts.NewOptions(),
		Postgres:        pgopts.NewOptions(),
		Redis:           redisopts.NewOptions(),
		Milvus:          milvusopts.NewOptions(),
		Embedding:       llmopts.NewEmbeddingOptions(),
		Generators:      []*llmopts.ProviderOptions{llmopts.NewChatOptions()},
		RAG:             ragopts.NewOptions(),
		ShutdownTimeout: 30 * time.Second,
	}
}

// AddFlags adds flags to the flagset.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.HTTP.AddFlags(fs)
	o.Log.AddFlags(fs)
	o.Postgres.AddFlags(fs)
	o.Redis.AddFlags(fs)
	o.Milvus.AddFlags(fs, "milvus")
	o.Embedding.AddFlags(fs, "embedding")
	if len(o.Generators) > 0 {
		o.Generators[0].AddFlags(fs, "chat")
	}
	o.RAG.AddFlags(fs)
	fs.DurationVar(&o.ShutdownTimeout, "shutdown-timeout", o.ShutdownTimeout, "Graceful shutdown timeout")
}

// Validate validates the options.
func (o *Options) Validate() error {
	var errs []error
	if err := o.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := o.HTTP.Validate(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, o.Embedding.Validate()...)
	for _, g := range o.Generators {
		errs = append(errs, g.Validate()...)
	}
	errs = append(errs, o.RAG.Validate()...)

	switch o.RAG.Backend {
	case "postgres":
		if err := o.Postgres.Validate(); err != nil {
			errs = append(errs, err)
		}
	case "milvus":
		errs = append(errs, o.Milvus.Validate()...)
	}
	if o.RAG.CacheEnabled {
		if err := o.Redis.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Complete completes the options with defaults.
func (o *Options) Complete() error {
	if err := o.RAG.Complete(); err != nil {
		return err
	}
	if err := o.Embedding.Complete(); err != nil {
		return err
	}
	for _, g := range o.Generators {
		if err := g.Complete(); err != nil {
			return err
		}
	}
	if err := o.Redis.Complete(); err != nil {
		return err
	}
	if err := o.Postgres.Complete(); err != nil {
		return err
	}
	// 嵌入模型声明的维度优先于 RAG 配置
	if o.Embedding.Dimension > 0 {
		o.RAG.EmbeddingDim = o.Embedding.Dimension
	}
	return nil
}
