package logx

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CronLogger adapts a Logger to robfig/cron's logger interface.
// cron's Info output is chatty (every wake/run), so it lands at trace level.
func CronLogger(l Logger) cron.Logger { return cronLogger{l: l} }

type cronLogger struct{ l Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.emit(callerSkipFrame, zerolog.TraceLevel, msg, kvFields(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(kvFields(keysAndValues), Err(err))
	c.l.emit(callerSkipFrame, zerolog.ErrorLevel, msg, fields)
}

func kvFields(kv []interface{}) []Field {
	out := make([]Field, 0, len(kv)/2+1)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	if len(kv)%2 == 1 {
		out = append(out, Any("extra", kv[len(kv)-1]))
	}
	return out
}
