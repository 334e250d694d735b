/*
Package auction orchestrates one on-device ad auction.

An auction snapshots the stored interest groups, runs each eligible group
through a fetch-bid-score pipeline concurrently, and picks the highest
scored candidate. The winner is never revealed to the caller directly;
it is bound to an opaque session token that only the rendering path can
resolve back to a URL.

Failure policy: anything that goes wrong with one candidate silently (or
with a warning) removes that candidate and the auction goes on. Network
failures are normal on-device conditions and are not logged; malformed
server responses are logged as warnings because the server operator can
fix them. Only caller policy violations log at error level, and only
engine-internal faults surface as errors to the caller.
*/
package auction
