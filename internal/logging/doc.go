// Package logging builds the slog loggers used by the engine and the
// reference server, and forwards error records to Sentry.
package logging
