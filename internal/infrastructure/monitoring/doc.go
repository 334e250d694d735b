// Package monitoring provides Prometheus metrics for the auction engine.
//
// Metrics cover the whole request path: gateway connections and messages,
// auction outcomes, per-candidate drop reasons, worklet executions, and
// trusted-signals fetches. Collectors are registered with promauto on
// construction; create at most one Metrics per process.
package monitoring
