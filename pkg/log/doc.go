// Package log is the structured logging facade used across santa.
//
// The Logger interface exposes leveled methods taking typed Fields. Records
// are built as slog.Records and handled by a bridge handler that applies
// redaction and sampling before formatting (JSON or text) and fanning out to
// the configured outputs.
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	)
//	l = l.With(log.Component("worker"))
//	l.Info("pairing sent", log.Str("run_id", id))
//
// ApplyConfig builds a logger from a declarative Config. RedirectStdLog and
// ToStdLogger adapt the facade for libraries that expect a *log.Logger.
package log
