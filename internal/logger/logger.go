package logger

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds a production zap logger at the given level. encoding is "json"
// (the default when empty) or "console".
func New(verbosity, encoding string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	if encoding == "console" {
		config.Encoding = encoding
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	} else if encoding != "" && encoding != "json" {
		return nil, fmt.Errorf("unknown log encoding %q", encoding)
	}
	return config.Build()
}
