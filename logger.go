package dohgw

import (
	"log/slog"
	"net"
	"os"

	"github.com/miekg/dns"
)

// Log is the package-level structured logger. Replace it (or its handler) at
// startup to change verbosity or output format; the zero value falls back to
// a JSON handler on stderr at Info level.
var Log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetLevel updates the level of the default handler. Used by the CLI's
// --debug flag and the config-file log-level override.
func SetLevel(level slog.Level) {
	Log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// requestLogger returns a logger pre-populated with the fields every
// request-path log line carries: query ID, question name, client address and
// the listener that accepted the request.
func requestLogger(listener string, q *dns.Msg, client net.IP) *slog.Logger {
	l := Log.With("listener", listener)
	if q != nil {
		l = l.With("id", q.Id, "qname", qName(q))
	}
	if client != nil {
		l = l.With("client", client.String())
	}
	return l
}
