package bus

import (
	"context"
	"time"
)

// LogEvent appends one operational event to an events stream. Failures are
// swallowed: the event log is diagnostic, never load-bearing.
func (b *Bus) LogEvent(ctx context.Context, stream, level, where, msg string) {
	_, _ = b.Append(ctx, stream, map[string]any{
		"ts":    time.Now().UTC().Format("2006-01-02T15:04:05Z"),
		"level": level,
		"where": where,
		"msg":   msg,
	})
}
