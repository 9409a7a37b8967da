package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds the process logger. Development mode uses the console encoder
// with human-readable timestamps; production emits JSON.
func New(env string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	switch env {
	case "development", "dev", "local":
		logger, err = zap.NewDevelopment()
	default:
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
