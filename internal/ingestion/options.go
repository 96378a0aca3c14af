package ingestion

import "go.uber.org/zap"

// Defaults for Options.
const (
	DefaultChunkSize          = 100
	DefaultWorkerLimit        = 10
	DefaultTranslationWorkers = 3
)

// Options tunes the import pipeline.
type Options struct {
	// ChunkSize is the number of diff records processed per batch.
	ChunkSize int
	// WorkerLimit bounds the storage operations in flight per batch.
	WorkerLimit int
	// TranslationWorkers bounds how many data types apply translations at once.
	TranslationWorkers int
	Logger             *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.WorkerLimit <= 0 {
		o.WorkerLimit = DefaultWorkerLimit
	}
	if o.TranslationWorkers <= 0 {
		o.TranslationWorkers = DefaultTranslationWorkers
	}
	return o
}
