package logging

import (
	"strings"

	"go.uber.org/zap"
)

// New builds the process logger. Every binary gets a `service` field so one
// scrape of the shared log stream can be split per consumer.
func New(service string) *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger.With(zap.String("service", service))
}

// NewDevelopment is used by the load generator and tests that want readable
// output.
func NewDevelopment(service string) *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger.With(zap.String("service", service))
}

// FromEnv picks the encoder by LOG_MODE (production unless "dev").
func FromEnv(service, mode string) *zap.Logger {
	if strings.EqualFold(strings.TrimSpace(mode), "dev") {
		return NewDevelopment(service)
	}
	return New(service)
}
