package operation

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogHook appends log entries to an operation's persisted log
type LogHook struct {
	repo Repository
	id   int64
}

// NewLogHook creates a hook writing to the log of operation id
func NewLogHook(repo Repository, id int64) *LogHook {
	return &LogHook{repo: repo, id: id}
}

// Levels implements logrus.Hook. Debug output stays out of the stored log.
func (h *LogHook) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
	}
}

// Fire implements logrus.Hook
func (h *LogHook) Fire(entry *logrus.Entry) error {
	msg := entry.Message
	switch v := entry.Data[logrus.ErrorKey].(type) {
	case error:
		msg += ": " + v.Error()
	case string:
		if v != "" {
			msg += ": " + v
		}
	}

	at := entry.Time
	if at.IsZero() {
		at = time.Now()
	}
	ctx := entry.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return h.repo.AppendLog(ctx, LogEntry{
		OperationID: h.id,
		Time:        time.UnixMilli(at.UnixMilli()),
		Level:       strings.ToLower(entry.Level.String()),
		Message:     msg,
	})
}
