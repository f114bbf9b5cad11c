// Package console implements a Sink that writes rows to the structured log.
package console

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/crawler"
)

// Sink logs every row at info level. It never fails.
type Sink struct {
	name   string
	logger *zap.Logger
}

// New returns a console sink.
func New(name string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{name: name, logger: logger.With(zap.String("sink", name))}
}

// Name implements crawler.Sink.
func (s *Sink) Name() string {
	return s.name
}

// Flush logs the batch rows.
func (s *Sink) Flush(_ context.Context, batch crawler.Batch) error {
	for _, obj := range batch.Objects() {
		s.logger.Info("row", zap.Any("row", obj))
	}
	s.logger.Debug("batch flushed",
		zap.Int("rows", len(batch.Rows)),
		zap.Strings("seed_ids", batch.SeedIDs()),
	)
	return nil
}
