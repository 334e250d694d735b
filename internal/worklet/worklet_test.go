package worklet

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/fledge-shim-sub000/internal/infrastructure/logging"
	"github.com/google/fledge-shim-sub000/internal/protocol"
)

func testRunner(cfg Config) *Runner {
	return NewRunner(cfg, logging.NewNop())
}

var testGroup = &protocol.InterestGroup{
	Name:                     "athletic-shoes",
	BiddingLogicURL:          "https://dsp.example/bid.js",
	TrustedBiddingSignalsURL: "https://dsp.example/signals",
	Ads: []protocol.Ad{
		{RenderURL: "https://cdn.example/a.html", Metadata: map[string]any{"price": 0.02}},
		{RenderURL: "https://cdn.example/b.html", Metadata: nil},
	},
}

var testAuction = &protocol.AuctionConfig{
	DecisionLogicURL:         "https://ssp.example/score.js",
	TrustedScoringSignalsURL: "https://ssp.example/signals",
}

func TestBiddingHappyPath(t *testing.T) {
	r := testRunner(Config{})
	res := r.RunBiddingScript(context.Background(), `
		function generateBid(group) {
			return {ad: {seat: "s1"}, bid: 0.03, render: group.ads[0].renderUrl};
		}`, testGroup)
	require.NotNil(t, res)
	assert.Equal(t, 0.03, res.Bid)
	assert.Equal(t, "https://cdn.example/a.html", res.RenderURL)

	var meta map[string]any
	require.NoError(t, sonic.Unmarshal([]byte(res.AdMetadataJSON), &meta))
	assert.Equal(t, "s1", meta["seat"])
}

func TestBiddingReceivesGroupFields(t *testing.T) {
	r := testRunner(Config{})
	res := r.RunBiddingScript(context.Background(), `
		function generateBid(group) {
			if (group.name !== "athletic-shoes") throw new Error("name");
			if (group.biddingLogicUrl !== "https://dsp.example/bid.js") throw new Error("logic url");
			if (group.ads.length !== 2) throw new Error("ads");
			if (group.ads[0].metadata.price !== 0.02) throw new Error("metadata");
			return {ad: null, bid: group.ads[0].metadata.price, render: group.ads[0].renderUrl};
		}`, testGroup)
	require.NotNil(t, res)
	assert.Equal(t, 0.02, res.Bid)
}

func TestBiddingOmitsAbsentURLs(t *testing.T) {
	r := testRunner(Config{})
	res := r.RunBiddingScript(context.Background(), `
		function generateBid(group) {
			if ("biddingLogicUrl" in group) throw new Error("unexpected biddingLogicUrl");
			if ("trustedBiddingSignalsUrl" in group) throw new Error("unexpected signals url");
			return {ad: null, bid: 1, render: "u"};
		}`, &protocol.InterestGroup{Name: "bare"})
	require.NotNil(t, res)
}

func TestBiddingTopLevelThrow(t *testing.T) {
	r := testRunner(Config{})
	assert.Nil(t, r.RunBiddingScript(context.Background(), `throw new Error("boom");`, testGroup))
}

func TestBiddingSyntaxError(t *testing.T) {
	r := testRunner(Config{})
	assert.Nil(t, r.RunBiddingScript(context.Background(), `function generateBid( {`, testGroup))
}

func TestBiddingEntryPointMissing(t *testing.T) {
	r := testRunner(Config{})
	assert.Nil(t, r.RunBiddingScript(context.Background(), `var unrelated = 1;`, testGroup))
}

func TestBiddingEntryPointNotAFunction(t *testing.T) {
	r := testRunner(Config{})
	assert.Nil(t, r.RunBiddingScript(context.Background(), `var generateBid = 42;`, testGroup))
}

func TestBiddingEntryPointThrowingGetter(t *testing.T) {
	r := testRunner(Config{})
	assert.Nil(t, r.RunBiddingScript(context.Background(), `
		Object.defineProperty(globalThis, "generateBid", {
			get: function() { throw new Error("trap"); },
		});`, testGroup))
}

func TestBiddingThrowFromEntryPoint(t *testing.T) {
	r := testRunner(Config{})
	assert.Nil(t, r.RunBiddingScript(context.Background(), `
		function generateBid() { throw new Error("no bid today"); }`, testGroup))
}

func TestBiddingNonObjectResult(t *testing.T) {
	r := testRunner(Config{})
	for name, script := range map[string]string{
		"undefined": `function generateBid() {}`,
		"null":      `function generateBid() { return null; }`,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, r.RunBiddingScript(context.Background(), script, testGroup))
		})
	}
}

func TestBiddingThrowingResultGetter(t *testing.T) {
	r := testRunner(Config{})
	assert.Nil(t, r.RunBiddingScript(context.Background(), `
		function generateBid() {
			var result = {ad: null, render: "u"};
			Object.defineProperty(result, "bid", {
				get: function() { throw new Error("trap"); },
			});
			return result;
		}`, testGroup))
}

func TestBiddingInvalidFieldTypes(t *testing.T) {
	r := testRunner(Config{})
	for name, script := range map[string]string{
		"string bid":     `function generateBid() { return {ad: null, bid: "3", render: "u"}; }`,
		"missing bid":    `function generateBid() { return {ad: null, render: "u"}; }`,
		"numeric render": `function generateBid() { return {ad: null, bid: 1, render: 7}; }`,
		"missing render": `function generateBid() { return {ad: null, bid: 1}; }`,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, r.RunBiddingScript(context.Background(), script, testGroup))
		})
	}
}

func TestBiddingCircularAdMetadata(t *testing.T) {
	r := testRunner(Config{})
	assert.Nil(t, r.RunBiddingScript(context.Background(), `
		function generateBid() {
			var ad = {};
			ad.self = ad;
			return {ad: ad, bid: 1, render: "u"};
		}`, testGroup))
}

func TestBiddingUndefinedAdSerializesAsNull(t *testing.T) {
	r := testRunner(Config{})
	res := r.RunBiddingScript(context.Background(), `
		function generateBid() { return {bid: 1, render: "u"}; }`, testGroup)
	require.NotNil(t, res)
	assert.Equal(t, "null", res.AdMetadataJSON)
}

func TestBiddingHonorsToJSON(t *testing.T) {
	r := testRunner(Config{})
	res := r.RunBiddingScript(context.Background(), `
		function generateBid() {
			var ad = {toJSON: function() { return {x: 1}; }};
			return {ad: ad, bid: 1, render: "u"};
		}`, testGroup)
	require.NotNil(t, res)
	assert.JSONEq(t, `{"x":1}`, res.AdMetadataJSON)
}

func TestBiddingSurvivesGlobalSabotage(t *testing.T) {
	r := testRunner(Config{})
	res := r.RunBiddingScript(context.Background(), `
		JSON.stringify = function() { throw new Error("sabotaged"); };
		Object.defineProperty(globalThis, "JSON", {
			get: function() { throw new Error("trap"); },
		});
		function generateBid() { return {ad: {ok: true}, bid: 1, render: "u"}; }`, testGroup)
	require.NotNil(t, res)
	assert.JSONEq(t, `{"ok":true}`, res.AdMetadataJSON)
}

func TestBiddingInfiniteLoopInterrupted(t *testing.T) {
	r := testRunner(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan *BidResult, 1)
	go func() { done <- r.RunBiddingScript(ctx, `for (;;) {}`, testGroup) }()
	select {
	case res := <-done:
		assert.Nil(t, res)
	case <-time.After(5 * time.Second):
		t.Fatal("runaway script was not interrupted")
	}
}

func TestBiddingConfigTimeout(t *testing.T) {
	r := testRunner(Config{Timeout: 100 * time.Millisecond})

	done := make(chan *BidResult, 1)
	go func() {
		done <- r.RunBiddingScript(context.Background(), `
			function generateBid() { for (;;) {} }`, testGroup)
	}()
	select {
	case res := <-done:
		assert.Nil(t, res)
	case <-time.After(5 * time.Second):
		t.Fatal("runaway script was not interrupted")
	}
}

func TestBiddingNoStateLeakBetweenInvocations(t *testing.T) {
	r := testRunner(Config{})

	first := r.RunBiddingScript(context.Background(), `
		globalThis.leak = "planted";
		function generateBid() { return {ad: null, bid: 1, render: "u"}; }`, testGroup)
	require.NotNil(t, first)

	second := r.RunBiddingScript(context.Background(), `
		function generateBid() {
			if (typeof leak !== "undefined") throw new Error("state leaked");
			return {ad: null, bid: 2, render: "u"};
		}`, testGroup)
	require.NotNil(t, second)
	assert.Equal(t, 2.0, second.Bid)
}

func TestBiddingConsoleAndTimersAreStubbed(t *testing.T) {
	r := testRunner(Config{})
	res := r.RunBiddingScript(context.Background(), `
		console.log("starting", {group: "athletic-shoes"});
		console.warn("odd input");
		setTimeout(function() { throw new Error("never runs"); }, 0);
		function generateBid() { return {ad: null, bid: 1, render: "u"}; }`, testGroup)
	require.NotNil(t, res)
}

func TestScoringHappyPath(t *testing.T) {
	r := testRunner(Config{})
	score, ok := r.RunScoringScript(context.Background(), `
		function scoreAd(ad, bid, config) { return 10; }`, "null", 0.03, testAuction)
	require.True(t, ok)
	assert.Equal(t, 10.0, score)
}

func TestScoringReceivesParsedMetadataAndBid(t *testing.T) {
	r := testRunner(Config{})
	score, ok := r.RunScoringScript(context.Background(), `
		function scoreAd(ad, bid, config) {
			if (config.decisionLogicUrl !== "https://ssp.example/score.js") throw new Error("config");
			return ad.weight * bid;
		}`, `{"weight":100}`, 0.03, testAuction)
	require.True(t, ok)
	assert.InDelta(t, 3.0, score, 1e-9)
}

func TestScoringZeroIsAValidResult(t *testing.T) {
	r := testRunner(Config{})
	score, ok := r.RunScoringScript(context.Background(), `
		function scoreAd() { return 0; }`, "null", 1, testAuction)
	require.True(t, ok)
	assert.Zero(t, score)
}

func TestScoringNaNIsNumeric(t *testing.T) {
	// Range filtering happens in the auction, not here.
	r := testRunner(Config{})
	score, ok := r.RunScoringScript(context.Background(), `
		function scoreAd() { return NaN; }`, "null", 1, testAuction)
	require.True(t, ok)
	assert.True(t, math.IsNaN(score))
}

func TestScoringFailures(t *testing.T) {
	r := testRunner(Config{})
	for name, script := range map[string]string{
		"throws":          `function scoreAd() { throw new Error("reject"); }`,
		"non-numeric":     `function scoreAd() { return "10"; }`,
		"returns object":  `function scoreAd() { return {score: 10}; }`,
		"missing entry":   `var unrelated = 1;`,
		"top-level throw": `throw new Error("boom");`,
	} {
		t.Run(name, func(t *testing.T) {
			_, ok := r.RunScoringScript(context.Background(), script, "null", 1, testAuction)
			assert.False(t, ok)
		})
	}
}

func TestScoringRejectsUnparseableMetadataLoudly(t *testing.T) {
	r := testRunner(Config{})
	assert.Panics(t, func() {
		r.RunScoringScript(context.Background(), `function scoreAd() { return 1; }`, "{not json", 1, testAuction)
	})
}

func TestDebugPreludeRunsFirst(t *testing.T) {
	r := testRunner(Config{DebugPrelude: `var injected = 7;`})
	res := r.RunBiddingScript(context.Background(), `
		function generateBid() { return {ad: null, bid: injected, render: "u"}; }`, testGroup)
	require.NotNil(t, res)
	assert.Equal(t, 7.0, res.Bid)
}
