package protocol

// RequestTag discriminates the request union. The tag is checked before any
// variant payload is interpreted.
type RequestTag int

const (
	TagJoinAdInterestGroup RequestTag = iota
	TagLeaveAdInterestGroup
	TagRunAdAuction

	numRequestTags
)

// Handshake constants. The version tag must match on both sides of the
// handshake exactly; there is no version negotiation.
const (
	VersionKey = "fledgeShimVersion"
	Version    = "1.0"
)

// Ad is one candidate creative inside an interest group. Metadata is an
// arbitrary JSON-safe value owned by the buyer; the engine never interprets
// it, only round-trips it into the bidding worklet.
type Ad struct {
	RenderURL string
	Metadata  any
}

// InterestGroup is a named set of candidate ads plus optional bidding
// endpoints. Empty URL fields mean "absent".
type InterestGroup struct {
	Name                     string
	BiddingLogicURL          string
	TrustedBiddingSignalsURL string // never carries a query string
	Ads                      []Ad
}

// HasAd reports whether renderURL is one of the group's own ads.
func (g *InterestGroup) HasAd(renderURL string) bool {
	for _, ad := range g.Ads {
		if ad.RenderURL == renderURL {
			return true
		}
	}
	return false
}

// AuctionConfig is the per-auction seller configuration.
type AuctionConfig struct {
	DecisionLogicURL         string
	TrustedScoringSignalsURL string // never carries a query string
}

// Request is the decoded form of one wire request. Exactly the variant
// named by Tag is populated.
type Request struct {
	Tag     RequestTag
	Group   *InterestGroup // TagJoinAdInterestGroup
	Name    string         // TagLeaveAdInterestGroup
	Auction *AuctionConfig // TagRunAdAuction
}

// Response is the decoded form of one auction response. OK false means an
// internal error occurred; OK true with an empty token means the auction
// completed without a winner.
type Response struct {
	OK    bool
	Token string
}
