// Package handler dispatches decoded caller requests on the engine side of
// the session port.
//
// The handler trusts nothing about incoming bytes; anything that does not
// decode into a known request is an error. Callers with an auction reply
// port pending always receive a response: internal failures post the
// failure response before the error propagates, so no reply port is left
// hanging.
package handler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/google/fledge-shim-sub000/internal/auction"
	"github.com/google/fledge-shim-sub000/internal/infrastructure/logging"
	"github.com/google/fledge-shim-sub000/internal/infrastructure/monitoring"
	"github.com/google/fledge-shim-sub000/internal/port"
	"github.com/google/fledge-shim-sub000/internal/protocol"
)

// GroupStore mutates the persisted interest group set.
type GroupStore interface {
	Put(ctx context.Context, group *protocol.InterestGroup) error
	Delete(ctx context.Context, name string) error
}

// Auctioneer runs one auction.
type Auctioneer interface {
	RunAdAuction(ctx context.Context, cfg *protocol.AuctionConfig) (auction.Outcome, error)
}

// Handler serves decoded requests arriving on a session port.
type Handler struct {
	store    GroupStore
	auctions Auctioneer
	log      *logging.Logger
	metrics  *monitoring.Metrics
}

// New creates a request handler.
func New(store GroupStore, auctions Auctioneer, logger *logging.Logger, metrics *monitoring.Metrics) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		store:    store,
		auctions: auctions,
		log:      logger.Named("handler"),
		metrics:  metrics,
	}
}

// Serve consumes messages from p until the peer closes or ctx ends.
// Request failures are logged and the loop continues; one bad request must
// not take the session down.
func (h *Handler) Serve(ctx context.Context, p *port.Port) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Done():
			return
		case <-p.PeerDone():
			return
		case msg := <-p.Recv():
			if err := h.Handle(ctx, msg); err != nil {
				h.log.Error("request failed", zap.Error(err))
			}
		}
	}
}

// Handle dispatches one message. Whatever goes wrong, every reply port
// transferred with the message hears about it before the error (or panic)
// leaves this function.
func (h *Handler) Handle(ctx context.Context, msg port.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.reject(msg.Ports)
			panic(r)
		}
		if err != nil {
			h.reject(msg.Ports)
		}
	}()

	if msg.Malformed {
		return errors.New("handler: caller sent an unserializable message")
	}
	req := protocol.DecodeRequest(msg.Data)
	if req == nil {
		return fmt.Errorf("handler: unintelligible request: %.200s", msg.Data)
	}

	switch req.Tag {
	case protocol.TagJoinAdInterestGroup:
		h.metrics.RecordMessage("in", "join")
		if err := h.store.Put(ctx, req.Group); err != nil {
			return err
		}
		h.metrics.GroupsJoined.Inc()
		return nil

	case protocol.TagLeaveAdInterestGroup:
		h.metrics.RecordMessage("in", "leave")
		if err := h.store.Delete(ctx, req.Name); err != nil {
			return err
		}
		h.metrics.GroupsLeft.Inc()
		return nil

	case protocol.TagRunAdAuction:
		h.metrics.RecordMessage("in", "auction")
		if len(msg.Ports) != 1 {
			return fmt.Errorf("handler: run-auction carried %d ports, want 1", len(msg.Ports))
		}
		reply := msg.Ports[0]

		outcome, err := h.auctions.RunAdAuction(ctx, req.Auction)
		if err != nil {
			return err
		}
		// Policy rejections and no-winner auctions look identical to the
		// caller; the failure response is reserved for internal faults.
		resp := protocol.Response{OK: true, Token: outcome.Token}
		h.metrics.RecordMessage("out", "auction")
		if err := reply.Post(port.Message{Data: protocol.EncodeResponse(resp)}); err != nil {
			return fmt.Errorf("handler: post auction response: %w", err)
		}
		return nil
	}

	// DecodeRequest only emits known tags.
	return fmt.Errorf("handler: unhandled request tag %d", req.Tag)
}

// reject posts the failure response to every transferred port, best
// effort.
func (h *Handler) reject(ports []*port.Port) {
	data := protocol.EncodeResponse(protocol.Response{OK: false})
	for _, p := range ports {
		if err := p.Post(port.Message{Data: data}); err != nil {
			h.log.Warn("could not deliver failure response", zap.Error(err))
		}
	}
}
