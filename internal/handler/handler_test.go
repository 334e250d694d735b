package handler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/fledge-shim-sub000/internal/auction"
	"github.com/google/fledge-shim-sub000/internal/infrastructure/logging"
	"github.com/google/fledge-shim-sub000/internal/infrastructure/monitoring"
	"github.com/google/fledge-shim-sub000/internal/port"
	"github.com/google/fledge-shim-sub000/internal/protocol"
)

type fakeGroupStore struct {
	mu     sync.Mutex
	groups map[string]*protocol.InterestGroup
	err    error
}

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{groups: make(map[string]*protocol.InterestGroup)}
}

func (s *fakeGroupStore) Put(_ context.Context, g *protocol.InterestGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.groups[g.Name] = g
	return nil
}

func (s *fakeGroupStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.groups, name)
	return nil
}

func (s *fakeGroupStore) get(name string) *protocol.InterestGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[name]
}

type fakeAuctioneer struct {
	outcome auction.Outcome
	err     error
	panics  bool
}

func (a *fakeAuctioneer) RunAdAuction(context.Context, *protocol.AuctionConfig) (auction.Outcome, error) {
	if a.panics {
		panic("auctioneer exploded")
	}
	return a.outcome, a.err
}

func newTestHandler(store GroupStore, auctions Auctioneer) *Handler {
	return New(store, auctions, logging.NewNop(), monitoring.NewMetrics(prometheus.NewRegistry()))
}

func encodeRequest(t *testing.T, req *protocol.Request) []byte {
	t.Helper()
	data, err := protocol.EncodeRequest(req)
	require.NoError(t, err)
	return data
}

func recvResponse(t *testing.T, p *port.Port) *protocol.Response {
	t.Helper()
	select {
	case msg := <-p.Recv():
		resp := protocol.DecodeResponse(msg.Data)
		require.NotNil(t, resp)
		return resp
	case <-time.After(time.Second):
		t.Fatal("no response on reply port")
		return nil
	}
}

func TestHandleJoinStoresGroup(t *testing.T) {
	store := newFakeGroupStore()
	h := newTestHandler(store, &fakeAuctioneer{})

	data := encodeRequest(t, &protocol.Request{
		Tag: protocol.TagJoinAdInterestGroup,
		Group: &protocol.InterestGroup{
			Name: "shoes",
			Ads:  []protocol.Ad{{RenderURL: "https://cdn.example/u1.html"}},
		},
	})
	require.NoError(t, h.Handle(context.Background(), port.Message{Data: data}))

	got := store.get("shoes")
	require.NotNil(t, got)
	assert.Equal(t, "https://cdn.example/u1.html", got.Ads[0].RenderURL)
}

func TestHandleLeaveDeletesGroup(t *testing.T) {
	store := newFakeGroupStore()
	store.groups["shoes"] = &protocol.InterestGroup{Name: "shoes"}
	h := newTestHandler(store, &fakeAuctioneer{})

	data := encodeRequest(t, &protocol.Request{Tag: protocol.TagLeaveAdInterestGroup, Name: "shoes"})
	require.NoError(t, h.Handle(context.Background(), port.Message{Data: data}))
	assert.Nil(t, store.get("shoes"))
}

func TestHandleMalformedMessage(t *testing.T) {
	h := newTestHandler(newFakeGroupStore(), &fakeAuctioneer{})
	assert.Error(t, h.Handle(context.Background(), port.Message{Malformed: true}))
}

func TestHandleUndecodableRequest(t *testing.T) {
	h := newTestHandler(newFakeGroupStore(), &fakeAuctioneer{})
	for _, data := range [][]byte{
		nil,
		[]byte(`not json`),
		[]byte(`{}`),
		[]byte(`[99, "x"]`),
	} {
		assert.Error(t, h.Handle(context.Background(), port.Message{Data: data}))
	}
}

func TestHandleAuctionWinner(t *testing.T) {
	h := newTestHandler(newFakeGroupStore(), &fakeAuctioneer{
		outcome: auction.Outcome{Completed: true, Token: "0123456789abcdef0123456789abcdef"},
	})

	retained, transferred := port.NewPair()
	data := encodeRequest(t, &protocol.Request{
		Tag:     protocol.TagRunAdAuction,
		Auction: &protocol.AuctionConfig{DecisionLogicURL: "https://ssp.example/score.js"},
	})
	require.NoError(t, h.Handle(context.Background(), port.Message{Data: data, Ports: []*port.Port{transferred}}))

	resp := recvResponse(t, retained)
	assert.True(t, resp.OK)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", resp.Token)
}

func TestHandleAuctionNoWinnerAndRejectionLookAlike(t *testing.T) {
	for name, a := range map[string]*fakeAuctioneer{
		"no winner": {outcome: auction.Outcome{Completed: true}},
		"rejected":  {outcome: auction.Outcome{}},
	} {
		t.Run(name, func(t *testing.T) {
			h := newTestHandler(newFakeGroupStore(), a)
			retained, transferred := port.NewPair()
			data := encodeRequest(t, &protocol.Request{
				Tag:     protocol.TagRunAdAuction,
				Auction: &protocol.AuctionConfig{DecisionLogicURL: "https://ssp.example/score.js"},
			})
			require.NoError(t, h.Handle(context.Background(), port.Message{Data: data, Ports: []*port.Port{transferred}}))

			resp := recvResponse(t, retained)
			assert.True(t, resp.OK)
			assert.Empty(t, resp.Token)
		})
	}
}

func TestHandleAuctionInternalErrorNotifiesReplyPort(t *testing.T) {
	h := newTestHandler(newFakeGroupStore(), &fakeAuctioneer{err: errors.New("store on fire")})

	retained, transferred := port.NewPair()
	data := encodeRequest(t, &protocol.Request{
		Tag:     protocol.TagRunAdAuction,
		Auction: &protocol.AuctionConfig{DecisionLogicURL: "https://ssp.example/score.js"},
	})
	err := h.Handle(context.Background(), port.Message{Data: data, Ports: []*port.Port{transferred}})
	assert.Error(t, err)

	resp := recvResponse(t, retained)
	assert.False(t, resp.OK)
}

func TestHandleAuctionPanicNotifiesReplyPort(t *testing.T) {
	h := newTestHandler(newFakeGroupStore(), &fakeAuctioneer{panics: true})

	retained, transferred := port.NewPair()
	data := encodeRequest(t, &protocol.Request{
		Tag:     protocol.TagRunAdAuction,
		Auction: &protocol.AuctionConfig{DecisionLogicURL: "https://ssp.example/score.js"},
	})
	assert.Panics(t, func() {
		_ = h.Handle(context.Background(), port.Message{Data: data, Ports: []*port.Port{transferred}})
	})

	resp := recvResponse(t, retained)
	assert.False(t, resp.OK)
}

func TestHandleAuctionWithoutReplyPort(t *testing.T) {
	h := newTestHandler(newFakeGroupStore(), &fakeAuctioneer{})
	data := encodeRequest(t, &protocol.Request{
		Tag:     protocol.TagRunAdAuction,
		Auction: &protocol.AuctionConfig{DecisionLogicURL: "https://ssp.example/score.js"},
	})
	assert.Error(t, h.Handle(context.Background(), port.Message{Data: data}))
}

func TestHandleJoinStoreError(t *testing.T) {
	store := newFakeGroupStore()
	store.err = errors.New("disk gone")
	h := newTestHandler(store, &fakeAuctioneer{})

	data := encodeRequest(t, &protocol.Request{
		Tag:   protocol.TagJoinAdInterestGroup,
		Group: &protocol.InterestGroup{Name: "shoes"},
	})
	assert.Error(t, h.Handle(context.Background(), port.Message{Data: data}))
}

func TestServeProcessesUntilClosed(t *testing.T) {
	store := newFakeGroupStore()
	h := newTestHandler(store, &fakeAuctioneer{})

	engine, caller := port.NewPair()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Serve(context.Background(), engine)
	}()

	data := encodeRequest(t, &protocol.Request{
		Tag:   protocol.TagJoinAdInterestGroup,
		Group: &protocol.InterestGroup{Name: "shoes"},
	})
	require.NoError(t, caller.Post(port.Message{Data: data}))

	require.Eventually(t, func() bool {
		return store.get("shoes") != nil
	}, time.Second, 5*time.Millisecond)

	caller.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop after peer close")
	}
}
