// Package logging provides the logging facade used throughout keysearch.
//
// The Logger interface wraps the subset of log/slog that the orchestrator,
// the workers and the transports need. It is intentionally small so that
// callers can plug in their own implementation for tests or for integration
// with an existing logging system.
//
//	logger := logging.New(nil) // slog.Default()
//
//	h, _ := logging.NewHandler(os.Stderr, "json", "debug")
//	logger = logging.New(slog.New(h))
//	logger.Info(ctx, "block assigned", "worker", 3, "lower", 0, "upper", 64)
//
// # Redaction
//
// Recovered plaintext is sensitive. Log it through Redacted unless the
// operator explicitly asked for it:
//
//	logger.Info(ctx, "key confirmed", "key", k, logging.Redacted("plaintext"))
package logging
