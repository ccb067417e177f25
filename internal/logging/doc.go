// Package logging provides structured, rotating file logging for the
// knowledge-base engine, built on log/slog.
package logging
