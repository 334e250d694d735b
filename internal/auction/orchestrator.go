package auction

import (
	"context"
	"errors"
	"fmt"
	"math"
	neturl "net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/google/fledge-shim-sub000/internal/fetch"
	"github.com/google/fledge-shim-sub000/internal/infrastructure/logging"
	"github.com/google/fledge-shim-sub000/internal/infrastructure/monitoring"
	"github.com/google/fledge-shim-sub000/internal/protocol"
	"github.com/google/fledge-shim-sub000/internal/worklet"
)

// Store enumerates persisted interest groups in their contractual order.
type Store interface {
	ForEach(ctx context.Context, fn func(*protocol.InterestGroup) error) error
}

// Fetcher retrieves untrusted endpoint resources.
type Fetcher interface {
	FetchScript(ctx context.Context, url string) (string, error)
	FetchJSON(ctx context.Context, url string) (any, error)
}

// Worklets executes untrusted bidding and scoring scripts.
type Worklets interface {
	RunBiddingScript(ctx context.Context, script string, group *protocol.InterestGroup) *worklet.BidResult
	RunScoringScript(ctx context.Context, script, adMetadataJSON string, bid float64, auction *protocol.AuctionConfig) (float64, bool)
}

// TokenMinter binds a render URL to a fresh opaque token.
type TokenMinter interface {
	Mint(renderURL string) (string, error)
}

// Config holds auction policy settings.
type Config struct {
	// AllowedLogicPrefixes restricts decision and bidding logic URLs to the
	// given prefixes. Empty means no restriction.
	AllowedLogicPrefixes []string

	// PublisherHostname is sent to trusted bidding signals endpoints.
	PublisherHostname string
}

// Outcome is the caller-visible result of an auction. Completed false
// means the request was rejected by policy before any auction ran; an
// empty Token on a completed auction means no candidate won. Callers are
// told no more than that.
type Outcome struct {
	Token     string
	Completed bool
}

// Orchestrator runs auctions. Safe for concurrent use.
type Orchestrator struct {
	store    Store
	fetch    Fetcher
	worklets Worklets
	tokens   TokenMinter
	cfg      Config
	log      *logging.Logger
	metrics  *monitoring.Metrics
}

// New creates an auction orchestrator.
func New(store Store, fetcher Fetcher, worklets Worklets, tokens TokenMinter, cfg Config, logger *logging.Logger, metrics *monitoring.Metrics) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		store:    store,
		fetch:    fetcher,
		worklets: worklets,
		tokens:   tokens,
		cfg:      cfg,
		log:      logger.Named("auction"),
		metrics:  metrics,
	}
}

// RunAdAuction runs one auction against the current interest group set.
// The returned error covers engine-internal faults only; candidate and
// policy failures fold into the Outcome.
func (o *Orchestrator) RunAdAuction(ctx context.Context, cfg *protocol.AuctionConfig) (Outcome, error) {
	start := time.Now()
	outcome, err := o.run(ctx, cfg)

	switch {
	case err != nil:
		o.metrics.RecordAuction("error", time.Since(start))
	case !outcome.Completed:
		o.metrics.RecordAuction("rejected", time.Since(start))
	case outcome.Token == "":
		o.metrics.RecordAuction("no_winner", time.Since(start))
	default:
		o.metrics.RecordAuction("winner", time.Since(start))
	}
	return outcome, err
}

// pipelineResult is one candidate's progress through the pipeline. render
// is set once a structurally valid own-ad bid exists, scored once the
// seller accepted it.
type pipelineResult struct {
	render string
	score  float64
	scored bool
}

func (o *Orchestrator) run(ctx context.Context, cfg *protocol.AuctionConfig) (Outcome, error) {
	if !o.allowed(cfg.DecisionLogicURL) {
		o.log.Error("decision logic url not allowlisted", zap.String("url", cfg.DecisionLogicURL))
		return Outcome{}, nil
	}

	candidates, err := o.snapshot(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if len(candidates) == 0 {
		return Outcome{Completed: true}, nil
	}

	decision := &scriptMemo{fetch: func(ctx context.Context) (string, error) {
		script, err := o.fetch.FetchScript(ctx, cfg.DecisionLogicURL)
		if err != nil {
			o.logFetchFailure(o.log, "decision logic fetch failed", err)
		}
		return script, err
	}}

	results := make([]pipelineResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, cand := range candidates {
		g.Go(func() error {
			results[i] = o.runCandidate(gctx, cand, cfg, decision)
			return nil
		})
	}
	for _, u := range o.biddingSignalsURLs(candidates) {
		g.Go(func() error {
			o.fetchSignals(gctx, "bidding", u)
			return nil
		})
	}
	// Pipeline tasks never fail the group; candidate failures drop the
	// candidate and nothing else.
	_ = g.Wait()

	o.fetchScoringSignals(ctx, cfg, results)

	winner := -1
	for i, res := range results {
		if !res.scored {
			continue
		}
		// Strict inequality keeps the earliest candidate on ties, and the
		// snapshot is alphabetical, so ties break deterministically.
		if winner < 0 || res.score > results[winner].score {
			winner = i
		}
	}
	if winner < 0 {
		return Outcome{Completed: true}, nil
	}

	token, err := o.tokens.Mint(results[winner].render)
	if err != nil {
		return Outcome{}, fmt.Errorf("auction: mint token: %w", err)
	}
	o.metrics.TokensMinted.Inc()
	o.log.Info("auction won",
		zap.String("group", candidates[winner].Name),
		zap.Float64("score", results[winner].score))
	return Outcome{Completed: true, Token: token}, nil
}

// snapshot enumerates the groups eligible to bid, in store order. Groups
// without ads or bidding logic cannot produce a bid and are skipped
// without comment; a non-allowlisted bidding endpoint is a policy matter
// and is logged.
func (o *Orchestrator) snapshot(ctx context.Context) ([]*protocol.InterestGroup, error) {
	var candidates []*protocol.InterestGroup
	err := o.store.ForEach(ctx, func(g *protocol.InterestGroup) error {
		if len(g.Ads) == 0 || g.BiddingLogicURL == "" {
			return nil
		}
		if !o.allowed(g.BiddingLogicURL) {
			o.log.Warn("bidding logic url not allowlisted, skipping group",
				zap.String("group", g.Name),
				zap.String("url", g.BiddingLogicURL))
			o.metrics.RecordBidDropped("policy")
			return nil
		}
		candidates = append(candidates, g)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("auction: enumerate groups: %w", err)
	}
	return candidates, nil
}

func (o *Orchestrator) runCandidate(ctx context.Context, group *protocol.InterestGroup, cfg *protocol.AuctionConfig, decision *scriptMemo) pipelineResult {
	log := o.log.With(zap.String("group", group.Name))

	script, err := o.fetch.FetchScript(ctx, group.BiddingLogicURL)
	if err != nil {
		o.logFetchFailure(log, "bidding logic fetch failed", err)
		o.metrics.RecordBidDropped("fetch")
		return pipelineResult{}
	}

	bidStart := time.Now()
	bid := o.worklets.RunBiddingScript(ctx, script, group)
	if bid == nil {
		o.metrics.RecordWorkletRun("bidding", "no_result", time.Since(bidStart))
		o.metrics.RecordBidDropped("worklet")
		return pipelineResult{}
	}
	o.metrics.RecordWorkletRun("bidding", "ok", time.Since(bidStart))

	if !group.HasAd(bid.RenderURL) {
		log.Warn("bid render url is not one of the group's ads",
			zap.String("render", bid.RenderURL))
		o.metrics.RecordBidDropped("foreign_render")
		return pipelineResult{}
	}

	decisionScript, err := decision.get(ctx)
	if err != nil {
		o.metrics.RecordBidDropped("fetch")
		return pipelineResult{render: bid.RenderURL}
	}

	scoreStart := time.Now()
	score, ok := o.worklets.RunScoringScript(ctx, decisionScript, bid.AdMetadataJSON, bid.Bid, cfg)
	if !ok {
		o.metrics.RecordWorkletRun("scoring", "no_result", time.Since(scoreStart))
		o.metrics.RecordBidDropped("worklet")
		return pipelineResult{render: bid.RenderURL}
	}
	o.metrics.RecordWorkletRun("scoring", "ok", time.Since(scoreStart))

	if math.IsNaN(score) || math.IsInf(score, 0) || score <= 0 {
		// Non-positive scores are how sellers reject candidates.
		o.metrics.RecordBidDropped("score")
		return pipelineResult{render: bid.RenderURL}
	}
	return pipelineResult{render: bid.RenderURL, score: score, scored: true}
}

func (o *Orchestrator) allowed(url string) bool {
	if len(o.cfg.AllowedLogicPrefixes) == 0 {
		return true
	}
	for _, prefix := range o.cfg.AllowedLogicPrefixes {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// biddingSignalsURLs builds the deduplicated trusted bidding signals
// requests for the snapshot, in snapshot order.
func (o *Orchestrator) biddingSignalsURLs(groups []*protocol.InterestGroup) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, g := range groups {
		base := g.TrustedBiddingSignalsURL
		if base == "" || seen[base] {
			continue
		}
		seen[base] = true
		urls = append(urls, base+"?hostname="+neturl.QueryEscape(o.cfg.PublisherHostname))
	}
	return urls
}

// fetchScoringSignals requests the trusted scoring signals for every
// render URL that produced a valid bid, deduplicated in candidate order.
func (o *Orchestrator) fetchScoringSignals(ctx context.Context, cfg *protocol.AuctionConfig, results []pipelineResult) {
	if cfg.TrustedScoringSignalsURL == "" {
		return
	}
	seen := make(map[string]bool)
	var keys []string
	for _, res := range results {
		if res.render == "" || seen[res.render] {
			continue
		}
		seen[res.render] = true
		keys = append(keys, neturl.QueryEscape(res.render))
	}
	if len(keys) == 0 {
		return
	}
	o.fetchSignals(ctx, "scoring", cfg.TrustedScoringSignalsURL+"?keys="+strings.Join(keys, ","))
}

// fetchSignals retrieves one trusted-signals resource, best effort.
// TODO: forward the fetched values into the worklets once they accept
// signals arguments.
func (o *Orchestrator) fetchSignals(ctx context.Context, kind, url string) {
	value, err := o.fetch.FetchJSON(ctx, url)
	if err != nil {
		var verr *fetch.ValidationError
		if errors.As(err, &verr) {
			o.log.Warn("trusted signals fetch failed",
				zap.String("kind", kind),
				zap.String("url", verr.URL),
				zap.String("reason", verr.Message))
			o.metrics.RecordSignalsFetch(kind, "validation")
			return
		}
		o.metrics.RecordSignalsFetch(kind, "network")
		return
	}
	if _, ok := value.(map[string]any); !ok {
		o.log.Warn("trusted signals response is not a JSON object",
			zap.String("kind", kind),
			zap.String("url", url))
		o.metrics.RecordSignalsFetch(kind, "validation")
		return
	}
	o.metrics.RecordSignalsFetch(kind, "ok")
}

// logFetchFailure applies the logging policy for fetch errors: malformed
// responses warn, network failures stay quiet.
func (o *Orchestrator) logFetchFailure(log *logging.Logger, msg string, err error) {
	var verr *fetch.ValidationError
	if errors.As(err, &verr) {
		log.Warn(msg, zap.String("url", verr.URL), zap.String("reason", verr.Message))
	}
}

// scriptMemo fetches a script at most once, sharing the result across
// concurrent candidate pipelines.
type scriptMemo struct {
	once   sync.Once
	fetch  func(context.Context) (string, error)
	script string
	err    error
}

func (m *scriptMemo) get(ctx context.Context) (string, error) {
	m.once.Do(func() {
		m.script, m.err = m.fetch(ctx)
	})
	return m.script, m.err
}
