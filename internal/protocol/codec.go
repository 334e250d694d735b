package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// ErrNotSerializable is returned by EncodeRequest when application-supplied
// ad metadata cannot be represented as JSON (cyclic structure, function
// value, channel). Encoding never silently truncates.
var ErrNotSerializable = errors.New("protocol: ad metadata is not serializable")

// EncodeRequest serializes a well-formed in-memory request. It is total
// except for unserializable ad metadata.
func EncodeRequest(r *Request) ([]byte, error) {
	var wire []any

	switch r.Tag {
	case TagJoinAdInterestGroup:
		g := r.Group
		var ads any
		if g.Ads != nil {
			pairs := make([]any, 0, len(g.Ads))
			for _, ad := range g.Ads {
				metadata, err := sonic.Marshal(ad.Metadata)
				if err != nil {
					return nil, fmt.Errorf("%w: %s", ErrNotSerializable, err)
				}
				pairs = append(pairs, []any{ad.RenderURL, string(metadata)})
			}
			ads = pairs
		}
		wire = []any{int(TagJoinAdInterestGroup), g.Name, nullable(g.BiddingLogicURL), nullable(g.TrustedBiddingSignalsURL), ads}

	case TagLeaveAdInterestGroup:
		wire = []any{int(TagLeaveAdInterestGroup), r.Name}

	case TagRunAdAuction:
		a := r.Auction
		wire = []any{int(TagRunAdAuction), a.DecisionLogicURL, nullable(a.TrustedScoringSignalsURL)}

	default:
		return nil, fmt.Errorf("protocol: unknown request tag %d", r.Tag)
	}

	data, err := sonic.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotSerializable, err)
	}
	return data, nil
}

// DecodeRequest parses a wire value into a request. It never fails loudly:
// any structural mismatch yields nil.
func DecodeRequest(data []byte) *Request {
	var wire []any
	if err := sonic.Unmarshal(data, &wire); err != nil {
		return nil
	}
	if len(wire) == 0 {
		return nil
	}

	// The tag is validated before any variant field is touched.
	tag, ok := asTag(wire[0])
	if !ok {
		return nil
	}

	switch tag {
	case TagJoinAdInterestGroup:
		return decodeJoin(wire)
	case TagLeaveAdInterestGroup:
		return decodeLeave(wire)
	case TagRunAdAuction:
		return decodeRunAuction(wire)
	}
	return nil
}

func decodeJoin(wire []any) *Request {
	if len(wire) != 5 {
		return nil
	}
	name, ok := asString(wire[1])
	if !ok || name == "" {
		return nil
	}
	biddingURL, ok := asOptionalString(wire[2])
	if !ok {
		return nil
	}
	signalsURL, ok := asOptionalString(wire[3])
	if !ok || strings.Contains(signalsURL, "?") {
		return nil
	}

	group := &InterestGroup{
		Name:                     name,
		BiddingLogicURL:          biddingURL,
		TrustedBiddingSignalsURL: signalsURL,
	}

	if wire[4] != nil {
		pairs, ok := wire[4].([]any)
		if !ok {
			return nil
		}
		group.Ads = make([]Ad, 0, len(pairs))
		for _, p := range pairs {
			pair, ok := p.([]any)
			if !ok || len(pair) != 2 {
				return nil
			}
			renderURL, ok := asString(pair[0])
			if !ok || renderURL == "" {
				return nil
			}
			metadataJSON, ok := asString(pair[1])
			if !ok {
				return nil
			}
			// A present-but-unparseable metadata string is a decode failure.
			var metadata any
			if err := sonic.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
				return nil
			}
			group.Ads = append(group.Ads, Ad{RenderURL: renderURL, Metadata: metadata})
		}
	}

	return &Request{Tag: TagJoinAdInterestGroup, Group: group}
}

func decodeLeave(wire []any) *Request {
	if len(wire) != 2 {
		return nil
	}
	name, ok := asString(wire[1])
	if !ok || name == "" {
		return nil
	}
	return &Request{Tag: TagLeaveAdInterestGroup, Name: name}
}

func decodeRunAuction(wire []any) *Request {
	if len(wire) != 3 {
		return nil
	}
	decisionURL, ok := asString(wire[1])
	if !ok || decisionURL == "" {
		return nil
	}
	signalsURL, ok := asOptionalString(wire[2])
	if !ok || strings.Contains(signalsURL, "?") {
		return nil
	}
	return &Request{
		Tag: TagRunAdAuction,
		Auction: &AuctionConfig{
			DecisionLogicURL:         decisionURL,
			TrustedScoringSignalsURL: signalsURL,
		},
	}
}

// EncodeResponse serializes an auction response. Responses carry no
// application data, so encoding is total.
func EncodeResponse(r Response) []byte {
	var wire []any
	if !r.OK {
		wire = []any{false}
	} else {
		wire = []any{true, nullable(r.Token)}
	}
	data, err := sonic.Marshal(wire)
	if err != nil {
		// Arrays of bool/string/null always marshal.
		panic(fmt.Sprintf("protocol: response marshal failed: %v", err))
	}
	return data
}

// DecodeResponse parses a wire value into an auction response, or nil on
// structural mismatch.
func DecodeResponse(data []byte) *Response {
	var wire []any
	if err := sonic.Unmarshal(data, &wire); err != nil {
		return nil
	}
	if len(wire) == 0 {
		return nil
	}
	ok, isBool := wire[0].(bool)
	if !isBool {
		return nil
	}
	if !ok {
		if len(wire) != 1 {
			return nil
		}
		return &Response{OK: false}
	}
	if len(wire) != 2 {
		return nil
	}
	token, valid := asOptionalString(wire[1])
	if !valid {
		return nil
	}
	return &Response{OK: true, Token: token}
}

// nullable maps the empty string to JSON null.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// asOptionalString accepts a string or null; null maps to "".
func asOptionalString(v any) (string, bool) {
	if v == nil {
		return "", true
	}
	return asString(v)
}

// asTag accepts an integral JSON number naming a known request tag.
func asTag(v any) (RequestTag, bool) {
	f, ok := v.(float64)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	tag := RequestTag(int(f))
	if tag < 0 || tag >= numRequestTags {
		return 0, false
	}
	return tag, true
}
