// Package config defines the immutable build and retrieval configuration.
// Each pipeline stage gets its own record with explicit, enumerated fields;
// stage frameworks hash these records to detect config drift between runs.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StreamParseConfig drives the streaming ingest stage.
type StreamParseConfig struct {
	SourceURL      string `yaml:"source_url" json:"source_url"`
	OutputFilename string `yaml:"output_filename" json:"output_filename"`

	CheckpointEveryPages   int64 `yaml:"checkpoint_every_pages" json:"checkpoint_every_pages"`
	CheckpointEverySeconds int   `yaml:"checkpoint_every_seconds" json:"checkpoint_every_seconds"`
	CheckpointEveryBytes   int64 `yaml:"checkpoint_every_bytes" json:"checkpoint_every_bytes"`

	HTTPChunkSize       int `yaml:"http_chunk_size" json:"http_chunk_size"`
	HTTPTimeoutSeconds  int `yaml:"http_timeout" json:"http_timeout"`
	MaxRetries          int `yaml:"max_retries" json:"max_retries"`
	RetryBackoffSeconds int `yaml:"retry_backoff_seconds" json:"retry_backoff_seconds"`

	SkipRedirects      bool  `yaml:"skip_redirects" json:"skip_redirects"`
	SkipDisambiguation bool  `yaml:"skip_disambiguation" json:"skip_disambiguation"`
	AllowedNamespaces  []int `yaml:"allowed_namespaces" json:"allowed_namespaces"`

	ForceRestart            bool `yaml:"force_restart" json:"force_restart"`
	ValidateSourceUnchanged bool `yaml:"validate_source_unchanged" json:"validate_source_unchanged"`
}

// HTTPTimeout returns the timeout as a duration.
func (c StreamParseConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// RetryBackoff returns the backoff base as a duration.
func (c StreamParseConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSeconds) * time.Second
}

// ChunkConfig drives article chunking.
type ChunkConfig struct {
	MaxChunkTokens int `yaml:"max_chunk_tokens" json:"max_chunk_tokens"`
	OverlapTokens  int `yaml:"overlap_tokens" json:"overlap_tokens"`
}

// FilterConfig drives chunk quality filtering (character lengths).
type FilterConfig struct {
	MinChunkLength int `yaml:"min_chunk_length" json:"min_chunk_length"`
	MaxChunkLength int `yaml:"max_chunk_length" json:"max_chunk_length"`
}

// EmbedConfig drives the embedding stage.
type EmbedConfig struct {
	ModelName string `yaml:"model_name" json:"model_name"`
	BatchSize int    `yaml:"batch_size" json:"batch_size"`
	OllamaURL string `yaml:"ollama_url" json:"ollama_url"`
	Dimension int    `yaml:"dimension" json:"dimension"`
	ShardSize int    `yaml:"shard_size" json:"shard_size"`
}

// DenseIndexConfig selects and configures the ANN backend.
type DenseIndexConfig struct {
	Backend    string `yaml:"backend" json:"backend"` // "flat" or "qdrant"
	QdrantAddr string `yaml:"qdrant_addr" json:"qdrant_addr"`
	Collection string `yaml:"collection" json:"collection"`
}

// PackageConfig drives bundle assembly.
type PackageConfig struct {
	ZstBlocks      bool `yaml:"zst_blocks" json:"zst_blocks"`             // also write text.zstblocks
	BadgerStore    bool `yaml:"badger_store" json:"badger_store"`         // also build chunks.badger/
	ZstBlockChunks int  `yaml:"zst_block_chunks" json:"zst_block_chunks"`
}

// RetrievalConfig drives the query-time assembler.
type RetrievalConfig struct {
	DenseK           int  `yaml:"dense_k" json:"dense_k"`
	SparseK          int  `yaml:"sparse_k" json:"sparse_k"`
	FusedK           int  `yaml:"fused_k" json:"fused_k"`
	RRFK             int  `yaml:"rrf_k" json:"rrf_k"`
	MaxContextTokens int  `yaml:"max_context_tokens" json:"max_context_tokens"`
	DedupByPage      bool `yaml:"dedup_by_page" json:"dedup_by_page"`
}

// Config is the whole build + retrieval configuration.
type Config struct {
	WorkDir   string `yaml:"work_dir" json:"work_dir"`
	BundleDir string `yaml:"bundle_dir" json:"bundle_dir"`

	StreamParse StreamParseConfig `yaml:"stream_parse" json:"stream_parse"`
	Chunk       ChunkConfig       `yaml:"chunk" json:"chunk"`
	Filter      FilterConfig      `yaml:"filter" json:"filter"`
	Embed       EmbedConfig       `yaml:"embed" json:"embed"`
	DenseIndex  DenseIndexConfig  `yaml:"dense_index" json:"dense_index"`
	Package     PackageConfig     `yaml:"package" json:"package"`
	Retrieval   RetrievalConfig   `yaml:"retrieval" json:"retrieval"`
}

// Default returns the configuration used for full Wikipedia dumps.
func Default() *Config {
	return &Config{
		WorkDir:   "work",
		BundleDir: "bundle",
		StreamParse: StreamParseConfig{
			OutputFilename:          "articles.jsonl",
			CheckpointEveryPages:    1000,
			CheckpointEverySeconds:  60,
			CheckpointEveryBytes:    100 << 20,
			HTTPChunkSize:           1 << 20,
			HTTPTimeoutSeconds:      300,
			MaxRetries:              5,
			RetryBackoffSeconds:     10,
			SkipRedirects:           true,
			SkipDisambiguation:      false,
			AllowedNamespaces:       []int{0},
			ValidateSourceUnchanged: true,
		},
		Chunk:  ChunkConfig{MaxChunkTokens: 512, OverlapTokens: 50},
		Filter: FilterConfig{MinChunkLength: 100, MaxChunkLength: 10000},
		Embed: EmbedConfig{
			ModelName: "nomic-embed-text",
			BatchSize: 32,
			ShardSize: 10000,
		},
		DenseIndex: DenseIndexConfig{Backend: "flat", Collection: "pocketwiki"},
		Package:    PackageConfig{ZstBlockChunks: 256},
		Retrieval: RetrievalConfig{
			DenseK:           20,
			SparseK:          20,
			FusedK:           8,
			RRFK:             60,
			MaxContextTokens: 4000,
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Hash fingerprints any config record: sha256 over its canonical JSON,
// truncated to 16 hex chars. Stage skip logic and checkpoint validation
// both compare these.
func Hash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Config records are plain structs; marshal cannot fail for them.
		panic(fmt.Sprintf("config: hash: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
