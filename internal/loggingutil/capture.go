package loggingutil

import (
	"sync"

	"pkt.systems/pslog"
)

// Entry is a log line captured by Recorder.
type Entry struct {
	Level  string
	Msg    string
	Fields []any
}

// Field returns the value recorded for key, if present.
func (e Entry) Field(key string) (any, bool) {
	for i := 0; i+1 < len(e.Fields); i += 2 {
		name, ok := keyName(e.Fields[i])
		if ok && name == key {
			return e.Fields[i+1], true
		}
	}
	return nil, false
}

// Recorder is a pslog.Logger that keeps every entry in memory. Tests use it to
// assert on emitted events.
type Recorder struct {
	fields []any
	sink   *recorderSink
}

type recorderSink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{sink: &recorderSink{}}
}

// Entries returns a snapshot of captured entries.
func (r *Recorder) Entries() []Entry {
	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	out := make([]Entry, len(r.sink.entries))
	copy(out, r.sink.entries)
	return out
}

// Find returns the first entry with msg.
func (r *Recorder) Find(msg string) (Entry, bool) {
	for _, entry := range r.Entries() {
		if entry.Msg == msg {
			return entry, true
		}
	}
	return Entry{}, false
}

func (r *Recorder) record(level, msg string, args ...any) {
	fields := append([]any{}, r.fields...)
	fields = append(fields, args...)
	r.sink.mu.Lock()
	r.sink.entries = append(r.sink.entries, Entry{Level: level, Msg: msg, Fields: fields})
	r.sink.mu.Unlock()
}

func (r *Recorder) Trace(msg string, args ...any) { r.record("trace", msg, args...) }
func (r *Recorder) Debug(msg string, args ...any) { r.record("debug", msg, args...) }
func (r *Recorder) Info(msg string, args ...any)  { r.record("info", msg, args...) }
func (r *Recorder) Warn(msg string, args ...any)  { r.record("warn", msg, args...) }
func (r *Recorder) Error(msg string, args ...any) { r.record("error", msg, args...) }
func (r *Recorder) Fatal(msg string, args ...any) { r.record("fatal", msg, args...) }
func (r *Recorder) Panic(msg string, args ...any) { r.record("panic", msg, args...) }
func (r *Recorder) Log(level pslog.Level, msg string, args ...any) {
	r.record(pslog.LevelString(level), msg, args...)
}

func (r *Recorder) With(args ...any) pslog.Logger {
	combined := append([]any{}, r.fields...)
	combined = append(combined, args...)
	return &Recorder{fields: combined, sink: r.sink}
}

func (r *Recorder) WithLogLevel() pslog.Logger          { return r }
func (r *Recorder) LogLevel(pslog.Level) pslog.Logger   { return r }
func (r *Recorder) LogLevelFromEnv(string) pslog.Logger { return r }

func keyName(key any) (string, bool) {
	switch v := key.(type) {
	case string:
		return v, true
	case pslog.TrustedString:
		return string(v), true
	default:
		return "", false
	}
}
