package worklet

import (
	"context"

	"github.com/dop251/goja"

	"github.com/google/fledge-shim-sub000/internal/protocol"
)

const biddingEntryPoint = "generateBid"

// BidResult is a validated bid from one bidding script. AdMetadataJSON is
// JSON text produced inside the isolate and always parses.
type BidResult struct {
	AdMetadataJSON string
	Bid            float64
	RenderURL      string
}

// RunBiddingScript executes script's generateBid against group in a fresh
// isolate. It returns nil when the script fails or declines to bid; script
// failures are logged, never propagated.
func (r *Runner) RunBiddingScript(ctx context.Context, script string, group *protocol.InterestGroup) *BidResult {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	in := newIsolate("bidding", r.log)
	defer in.interruptOn(ctx)()

	if !in.loadScript(r.cfg.DebugPrelude, script) {
		return nil
	}
	entry, ok := in.entryPoint(biddingEntryPoint)
	if !ok {
		return nil
	}

	res, err := in.safeCall(entry, goja.Undefined(), in.vm.ToValue(biddingInput(group)))
	if err != nil {
		in.failErr(biddingEntryPoint+" threw", err)
		return nil
	}
	obj, err := in.safeObject(res)
	if err != nil {
		in.failErr(biddingEntryPoint+" returned no usable result", err)
		return nil
	}

	adVal, err := in.safeGet(obj, "ad")
	if err != nil {
		in.failErr("reading bid result", err)
		return nil
	}
	bidVal, err := in.safeGet(obj, "bid")
	if err != nil {
		in.failErr("reading bid result", err)
		return nil
	}
	bid, ok := asNumber(bidVal)
	if !ok {
		in.failShape("bid is not a number", "bid")
		return nil
	}
	renderVal, err := in.safeGet(obj, "render")
	if err != nil {
		in.failErr("reading bid result", err)
		return nil
	}
	render, ok := asString(renderVal)
	if !ok {
		in.failShape("render is not a string", "render")
		return nil
	}

	adJSON, ok := in.stringifyValue(adVal)
	if !ok {
		return nil
	}
	return &BidResult{AdMetadataJSON: adJSON, Bid: bid, RenderURL: render}
}

// biddingInput is the JSON-safe view of the group handed to generateBid.
// Absent URLs are omitted rather than passed as empty strings.
func biddingInput(g *protocol.InterestGroup) map[string]any {
	ads := make([]map[string]any, 0, len(g.Ads))
	for _, ad := range g.Ads {
		ads = append(ads, map[string]any{
			"renderUrl": ad.RenderURL,
			"metadata":  ad.Metadata,
		})
	}
	input := map[string]any{
		"name": g.Name,
		"ads":  ads,
	}
	if g.BiddingLogicURL != "" {
		input["biddingLogicUrl"] = g.BiddingLogicURL
	}
	if g.TrustedBiddingSignalsURL != "" {
		input["trustedBiddingSignalsUrl"] = g.TrustedBiddingSignalsURL
	}
	return input
}
