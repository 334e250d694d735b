// Package protocol defines the wire format spoken between an embedding
// caller and the auction engine.
//
// Requests are a tagged union encoded as a JSON array whose first element
// is the tag:
//
//	[0, name, biddingLogicUrl|null, trustedBiddingSignalsUrl|null, ads|null]  join
//	[1, name]                                                                leave
//	[2, decisionLogicUrl, trustedScoringSignalsUrl|null]                     run-auction
//
// where ads is a list of [renderUrl, metadataJson] pairs. The auction
// response is a two-shape union: [false] marks an internal error, and
// [true, token|null] marks completion with an optional winning token.
//
// Decoding is defensive and never fails loudly: any structural mismatch
// (wrong arity, wrong element type, unknown tag, unparseable ad metadata)
// yields nil, which callers must treat as a malformed-request error. The
// tag is always validated before any variant field is trusted.
package protocol
