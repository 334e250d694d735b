// Package fetch retrieves bidding logic, decision logic, and trusted
// signals from buyer- and seller-operated endpoints.
//
// Every response must opt in to participating via the X-Allow-FLEDGE
// header and must carry a MIME type matching the expected class (JSON or
// JavaScript). Failures are classified: a *ValidationError means an HTTP
// response arrived but failed a check the server operator can fix, and is
// worth logging; a *NetworkError means no usable response arrived at all
// and is not logged, the transport stack already surfaces those.
package fetch
