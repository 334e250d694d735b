package worklet

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/google/fledge-shim-sub000/internal/protocol"
)

const scoringEntryPoint = "scoreAd"

// RunScoringScript executes script's scoreAd against one candidate in a
// fresh isolate. adMetadataJSON must be the JSON text a bidding isolate
// produced. The second return is false when the script failed or produced a
// non-numeric score; range checks are the caller's concern.
func (r *Runner) RunScoringScript(ctx context.Context, script, adMetadataJSON string, bid float64, auction *protocol.AuctionConfig) (float64, bool) {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	in := newIsolate("scoring", r.log)
	defer in.interruptOn(ctx)()

	// This JSON came out of a bidding isolate's JSON.stringify; if it does
	// not parse, the engine is broken, not the script.
	adVal, err := in.safeCall(in.parse, in.jsonNS, in.vm.ToValue(adMetadataJSON))
	if err != nil {
		panic(fmt.Sprintf("worklet: ad metadata %q does not parse: %v", adMetadataJSON, err))
	}

	if !in.loadScript(r.cfg.DebugPrelude, script) {
		return 0, false
	}
	entry, ok := in.entryPoint(scoringEntryPoint)
	if !ok {
		return 0, false
	}

	res, err := in.safeCall(entry, goja.Undefined(), adVal, in.vm.ToValue(bid), in.vm.ToValue(scoringInput(auction)))
	if err != nil {
		in.failErr(scoringEntryPoint+" threw", err)
		return 0, false
	}
	score, ok := asNumber(res)
	if !ok {
		in.failShape("score is not a number", "score")
		return 0, false
	}
	return score, true
}

// scoringInput is the JSON-safe view of the auction config handed to
// scoreAd.
func scoringInput(cfg *protocol.AuctionConfig) map[string]any {
	input := map[string]any{
		"decisionLogicUrl": cfg.DecisionLogicURL,
	}
	if cfg.TrustedScoringSignalsURL != "" {
		input["trustedScoringSignalsUrl"] = cfg.TrustedScoringSignalsURL
	}
	return input
}
