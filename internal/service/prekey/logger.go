package prekey

import (
	"github.com/AtharvaBansod/CAAS-sub003/internal/utils/log"
)

// retryLogger routes retryablehttp's leveled output into the package logger.
type retryLogger struct{}

func (retryLogger) Error(msg string, keysAndValues ...any) {
	log.L().Sugar().Errorw(msg, keysAndValues...)
}

func (retryLogger) Info(msg string, keysAndValues ...any) {
	log.L().Sugar().Debugw(msg, keysAndValues...)
}

func (retryLogger) Debug(msg string, keysAndValues ...any) {
	log.L().Sugar().Debugw(msg, keysAndValues...)
}

func (retryLogger) Warn(msg string, keysAndValues ...any) {
	log.L().Sugar().Warnw(msg, keysAndValues...)
}
