/*
Package worklet executes untrusted bidding and scoring scripts in isolated
goja runtimes.

Each invocation gets one fresh VM that is torn down when the call returns;
runtimes are never pooled or shared across scripts, so nothing a script
plants in its global scope can leak into an unrelated invocation.

The execution protocol is defensive against adversarial scripts:

 1. Host-callable primitives the wrapper needs later (JSON.parse,
    JSON.stringify) are captured before any untrusted code runs, because
    untrusted code may redefine global properties, including as getters
    that throw.
 2. The VM has no host-messaging surface; only the wrapper returns data,
    after validating it.
 3. The script runs in its own top-level scope and the designated entry
    function (generateBid or scoreAd) is looked up afterwards through the
    captured global reference.
 4. Entry functions receive only JSON-safe, pre-validated inputs.
 5. Every property read on the returned value is individually guarded: a
    throwing getter is handled exactly like a throwing script.
 6. Ad metadata is serialized with JSON semantics through the captured
    JSON.stringify, so custom toJSON methods are honored and circular
    references fail the invocation at the boundary.

Any failure in steps 1-5 is logged as a single warning attributed to the
invocation and mapped to "no result"; errors never propagate across the
trust boundary. A result shape the wrapper itself could never produce is
an integrity violation and panics, because it means the wrapper, not the
script, is broken.
*/
package worklet
