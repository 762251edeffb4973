package mock

// log receives the server's diagnostics. Tests that want to see them call
// 'SetLogger(slog.Default())'.
var log Logger = discard{}

func SetLogger(l Logger) {
	log = l
}

type Logger interface {
	Debug(string, ...any)
	Info(string, ...any)
	Warn(string, ...any)
	Error(string, ...any)
}

type discard struct{}

func (discard) Debug(string, ...any) {}
func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}
