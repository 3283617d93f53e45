// Package sink delivers fetched documents to downstream consumers.
package sink

import (
	"context"

	"go.uber.org/zap"
)

// Log is a sink that records deliveries to the logger. It is the default
// when no downstream transport is configured.
type Log struct {
	logger *zap.Logger
}

// NewLog builds a logging sink.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

// Submit logs the document metadata. Bodies are elided to their length.
func (s *Log) Submit(_ context.Context, jobID, url string, body []byte, meta map[string]string) error {
	s.logger.Info("document fetched",
		zap.String("job_id", jobID),
		zap.String("url", url),
		zap.Int("body_bytes", len(body)),
		zap.Any("meta", meta),
	)
	return nil
}
