package database

import (
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = 200 * time.Millisecond

// zapWriter sends GORM's log lines to zap instead of stdout.
type zapWriter struct {
	logger *zap.SugaredLogger
}

func (w zapWriter) Printf(format string, args ...interface{}) {
	w.logger.Warnf(format, args...)
}

// newGormLogger reports slow queries and SQL errors through zap. Lookups that
// find nothing are an expected outcome for note fetches and are not logged.
func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	return gormlogger.New(
		zapWriter{logger: logger.Named("gorm").WithOptions(zap.AddCallerSkip(1)).Sugar()},
		gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}
