package mint

import (
	"context"

	"github.com/elnosh/mintd/cashu/nuts/nut01"
	"github.com/elnosh/mintd/cashu/nuts/nut02"
	"github.com/elnosh/mintd/cashu/nuts/nut03"
	"github.com/elnosh/mintd/cashu/nuts/nut04"
	"github.com/elnosh/mintd/cashu/nuts/nut05"
	"github.com/elnosh/mintd/cashu/nuts/nut06"
	"github.com/elnosh/mintd/cashu/nuts/nut07"
	"github.com/elnosh/mintd/mint/mintrpc"
)

// GRPCServer adapts Mint to the mintrpc.Server contract, the internal gRPC
// counterpart of RESTServer. Both carry the same command surface; neither
// holds protocol logic of its own.
type GRPCServer struct {
	mint *Mint
}

func NewGRPCServer(m *Mint) *GRPCServer {
	return &GRPCServer{mint: m}
}

func (g *GRPCServer) Keys(ctx context.Context) (nut01.GetKeysResponse, error) {
	return g.mint.GetKeys()
}

func (g *GRPCServer) Keysets(ctx context.Context) (nut02.GetKeysetsResponse, error) {
	return g.mint.GetKeysets()
}

func (g *GRPCServer) Swap(ctx context.Context, req nut03.PostSwapRequest) (nut03.PostSwapResponse, error) {
	sigs, err := g.mint.Swap(req.Inputs, req.Outputs)
	if err != nil {
		return nut03.PostSwapResponse{}, err
	}
	return nut03.PostSwapResponse{Signatures: sigs}, nil
}

func (g *GRPCServer) MintQuote(ctx context.Context, req mintrpc.MintQuoteRequest) (nut04.PostMintQuoteResponse, error) {
	quote, err := g.mint.RequestMintQuote(req.Method, req.Amount, req.Unit)
	if err != nil {
		return nut04.PostMintQuoteResponse{}, err
	}
	return mintQuoteResponse(quote), nil
}

func (g *GRPCServer) MintQuoteState(ctx context.Context, req mintrpc.MintQuoteStateRequest) (nut04.PostMintQuoteResponse, error) {
	quote, err := g.mint.GetMintQuoteState(req.Method, req.QuoteId)
	if err != nil {
		return nut04.PostMintQuoteResponse{}, err
	}
	return mintQuoteResponse(quote), nil
}

func (g *GRPCServer) Mint(ctx context.Context, req mintrpc.MintRequest) (nut04.PostMintResponse, error) {
	sigs, err := g.mint.MintTokens(req.Method, req.Quote, req.Outputs)
	if err != nil {
		return nut04.PostMintResponse{}, err
	}
	return nut04.PostMintResponse{Signatures: sigs}, nil
}

func (g *GRPCServer) MeltQuote(ctx context.Context, req mintrpc.MeltQuoteRequest) (nut05.PostMeltQuoteResponse, error) {
	quote, err := g.mint.RequestMeltQuote(req.Method, req.Request, req.Unit)
	if err != nil {
		return nut05.PostMeltQuoteResponse{}, err
	}
	return meltQuoteResponse(quote), nil
}

func (g *GRPCServer) MeltQuoteState(ctx context.Context, req mintrpc.MeltQuoteStateRequest) (nut05.PostMeltQuoteResponse, error) {
	quote, err := g.mint.GetMeltQuoteState(ctx, req.Method, req.QuoteId)
	if err != nil {
		return nut05.PostMeltQuoteResponse{}, err
	}
	return meltQuoteResponse(quote), nil
}

func (g *GRPCServer) Melt(ctx context.Context, req mintrpc.MeltRequest) (nut05.PostMeltResponse, error) {
	quote, err := g.mint.MeltTokens(ctx, req.Method, req.Quote, req.Inputs)
	if err != nil {
		return nut05.PostMeltResponse{}, err
	}
	return nut05.PostMeltResponse{State: quote.State, Preimage: quote.Preimage}, nil
}

func (g *GRPCServer) CheckState(ctx context.Context, req nut07.PostCheckStateRequest) (nut07.PostCheckStateResponse, error) {
	states, err := g.mint.ProofsStateCheck(req.Ys)
	if err != nil {
		return nut07.PostCheckStateResponse{}, err
	}
	return nut07.PostCheckStateResponse{States: states}, nil
}

func (g *GRPCServer) Info(ctx context.Context) (nut06.MintInfo, error) {
	return g.mint.NodeInfo()
}

func (g *GRPCServer) Acknowledge(ctx context.Context, req mintrpc.AcknowledgeRequest) (mintrpc.AcknowledgeResponse, error) {
	g.mint.responses.Forget(req.Fingerprint)
	return mintrpc.AcknowledgeResponse{}, nil
}
