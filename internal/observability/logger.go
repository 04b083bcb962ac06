// Package observability wraps zerolog with the small set of structured
// fields the server and client attach throughout a connection's lifetime.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger with component-scoped child-logger helpers.
type Logger struct {
	logger zerolog.Logger
}

// New builds a root logger. When pretty is true, output is human-readable
// console text (suitable for a TTY); otherwise it emits newline-delimited
// JSON suitable for log aggregation.
func New(level string, pretty bool, out io.Writer) Logger {
	if out == nil {
		out = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var w io.Writer = out
	if pretty {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return Logger{logger: zerolog.New(w).Level(lvl).With().Timestamp().Logger()}
}

// WithComponent returns a child logger tagged with the subsystem name.
func (l Logger) WithComponent(name string) Logger {
	return Logger{logger: l.logger.With().Str("component", name).Logger()}
}

// WithSession returns a child logger tagged with a session identifier.
func (l Logger) WithSession(id string) Logger {
	return Logger{logger: l.logger.With().Str("session", id).Logger()}
}

// WithPeer returns a child logger tagged with a remote peer's public key.
func (l Logger) WithPeer(pubkey string) Logger {
	return Logger{logger: l.logger.With().Str("peer", pubkey).Logger()}
}

func (l Logger) Debug() *zerolog.Event { return l.logger.Debug() }
func (l Logger) Info() *zerolog.Event  { return l.logger.Info() }
func (l Logger) Warn() *zerolog.Event  { return l.logger.Warn() }
func (l Logger) Error() *zerolog.Event { return l.logger.Error() }

// HandshakeCompleted logs a successful transport handshake.
func (l Logger) HandshakeCompleted(remote string) {
	l.logger.Info().Str("remote", remote).Msg("handshake completed")
}

// HandshakeRejected logs a peer that failed the allow-list check.
func (l Logger) HandshakeRejected(remote string, err error) {
	l.logger.Warn().Str("remote", remote).Err(err).Msg("handshake rejected")
}

// FileCompleted logs a file that finished reassembling from its chunks.
func (l Logger) FileCompleted(path string) {
	l.logger.Info().Str("path", path).Msg("file completed")
}

// ChunkMissing logs a chunk that was requested but not yet present.
func (l Logger) ChunkMissing(path string, offset uint32) {
	l.logger.Debug().Str("path", path).Uint32("offset", offset).Msg("chunk missing")
}
