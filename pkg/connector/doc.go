// Package connector groups the source connectors that feed the staging
// layer.
//
// # Layout
//
//   - core: the Connector interface, records, pages, query parameters and
//     health status shared by every connector.
//
//   - base: BaseConnector, embedded by every implementation. It owns
//     authentication, the per-minute rate limiter, retry with backoff,
//     error classification and rolling health statistics.
//
//   - registry: maps a connector type to its factory and builds connectors
//     from configuration.
//
//   - sources: the built-in rest, database, mongodb and file connectors.
//
// # Paging and checkpoints
//
// ExtractPages hands records to a callback one page at a time. Each page
// carries the checkpoint reached after it, and QueryParams.Checkpoint
// resumes extraction after a previously committed value. A connector reports
// whether its checkpoints are timestamps, sequences or opaque cursors so the
// orchestrator can refuse to move them backwards.
//
// # Errors
//
// Connectors return *errors.Error values. Rate limit, timeout and connection
// errors are retryable; authentication and configuration errors are not.
package connector
