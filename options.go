package meibo

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL       string
	qdrantURL         string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	vectorIndex       VectorIndex
	extraMigrations   []fs.FS
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithQdrantURL overrides the Qdrant endpoint from config (QDRANT_URL env var).
func WithQdrantURL(url string) Option {
	return func(o *resolvedOptions) { o.qdrantURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (Ollama/OpenAI/noop). The provided implementation must satisfy the
// EmbeddingProvider interface.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithVectorIndex replaces the Qdrant-backed ANN index. When set, QDRANT_URL
// is not required and no Qdrant connection is made; the outbox worker and
// reconciler drive the provided index instead.
func WithVectorIndex(idx VectorIndex) Option {
	return func(o *resolvedOptions) { o.vectorIndex = idx }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after
// the embedded migrations. Multiple filesystems may be registered; they are
// applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
