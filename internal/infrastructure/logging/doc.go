/*
Package logging wraps zap with the engine's severity policy.

Severity encodes who can act on the event: Error is for caller policy
violations and engine-internal faults, Warn for per-candidate failures a
script or server operator can fix. Network failures of untrusted
endpoints are expected on-device conditions and are not logged at all.
*/
package logging
