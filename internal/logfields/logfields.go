package logfields

import "log/slog"

// Canonical log field names shared by the backup packages.
const (
	KeyRunID    = "run_id"
	KeyScope    = "scope"
	KeyMode     = "mode"
	KeyPhase    = "phase"
	KeyItem     = "item"
	KeyVerdict  = "verdict"
	KeyAttempt  = "attempt"
	KeyDelay    = "delay"
	KeySize     = "size"
	KeyStatus   = "status"
	KeyDuration = "duration_ms"
	KeyError    = "error"
)

func RunID(id string) slog.Attr      { return slog.String(KeyRunID, id) }
func Scope(s string) slog.Attr       { return slog.String(KeyScope, s) }
func Mode(m string) slog.Attr        { return slog.String(KeyMode, m) }
func Phase(p string) slog.Attr       { return slog.String(KeyPhase, p) }
func Item(k string) slog.Attr        { return slog.String(KeyItem, k) }
func Verdict(v string) slog.Attr     { return slog.String(KeyVerdict, v) }
func Attempt(n int) slog.Attr        { return slog.Int(KeyAttempt, n) }
func Delay(d string) slog.Attr       { return slog.String(KeyDelay, d) }
func Size(h string) slog.Attr        { return slog.String(KeySize, h) }
func Status(s string) slog.Attr      { return slog.String(KeyStatus, s) }
func DurationMS(ms int64) slog.Attr  { return slog.Int64(KeyDuration, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
