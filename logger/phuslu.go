package logger

import (
	"fmt"
	"time"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes through the global phlog logger.
type PhusluLogger struct{}

func NewPhusluLogger() *PhusluLogger { return &PhusluLogger{} }

func (p *PhusluLogger) Debug(msg string, keyvals ...any) { emit(phlog.Debug(), msg, keyvals) }
func (p *PhusluLogger) Info(msg string, keyvals ...any)  { emit(phlog.Info(), msg, keyvals) }
func (p *PhusluLogger) Warn(msg string, keyvals ...any)  { emit(phlog.Warn(), msg, keyvals) }
func (p *PhusluLogger) Error(msg string, keyvals ...any) { emit(phlog.Error(), msg, keyvals) }

func emit(b *phlog.Entry, msg string, keyvals []any) {
	if b == nil {
		return
	}
	for i := 0; i < len(keyvals)-1; i += 2 {
		ks := fmt.Sprint(keyvals[i])
		switch vv := keyvals[i+1].(type) {
		case string:
			b = b.Str(ks, vv)
		case bool:
			b = b.Bool(ks, vv)
		case int:
			b = b.Int(ks, vv)
		case time.Duration:
			b = b.Dur(ks, vv)
		case error:
			b = b.Str(ks, vv.Error())
		default:
			b = b.Any(ks, vv)
		}
	}
	b.Msg(msg)
}
