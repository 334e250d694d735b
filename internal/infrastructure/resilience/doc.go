// Package resilience provides a circuit breaker for outbound fetches.
//
// Bidding logic, decision logic, and trusted-signals endpoints are operated
// by third parties of varying reliability. The breaker keeps a flapping
// endpoint class from stalling every auction: once it opens, fetch attempts
// fail fast and are classified as network errors, which the auction treats
// as best-effort losses.
package resilience
