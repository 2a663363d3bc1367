// Package logging builds component-labeled zerolog loggers, mirroring the
// original's per-module get_logger(name) factory.
package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	base     zerolog.Logger
	ready    bool
	initOnce sync.Once
	mu       sync.Mutex
)

// Init sets the process-wide base logger. When pretty is true, output is
// a colorized console writer (for an interactive TTY); otherwise it is
// structured JSON. Init is safe to call once; later calls are no-ops.
func Init(pretty bool) {
	initOnce.Do(func() {
		var w interface{ Write([]byte) (int, error) } = os.Stderr
		if pretty {
			w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		}
		mu.Lock()
		base = zerolog.New(w).With().Timestamp().Logger()
		ready = true
		mu.Unlock()
	})
}

// For returns a logger labeled with the given component name.
func For(component string) zerolog.Logger {
	mu.Lock()
	if !ready {
		mu.Unlock()
		Init(false)
		mu.Lock()
	}
	l := base
	mu.Unlock()
	return l.With().Str("component", component).Logger()
}

// ForSession returns a logger labeled for a specific admitted session,
// mirroring Client._update_logger's nick:slot relabeling on admission.
func ForSession(nickname string, slot int) zerolog.Logger {
	return For("session").With().Str("nickname", nickname).Int("slot", slot).Logger()
}
