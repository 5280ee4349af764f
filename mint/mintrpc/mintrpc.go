// Package mintrpc defines the internal gRPC contract the mint node exposes
// alongside its public REST API: the same command surface, carried over
// protobuf's wrapperspb.BytesValue envelopes rather than generated message
// types, in the same hand-authored idiom as signerrpc.
package mintrpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/elnosh/mintd/cashu/nuts/nut01"
	"github.com/elnosh/mintd/cashu/nuts/nut02"
	"github.com/elnosh/mintd/cashu/nuts/nut03"
	"github.com/elnosh/mintd/cashu/nuts/nut04"
	"github.com/elnosh/mintd/cashu/nuts/nut05"
	"github.com/elnosh/mintd/cashu/nuts/nut06"
	"github.com/elnosh/mintd/cashu/nuts/nut07"
)

const serviceName = "mintrpc.Mint"

type MintQuoteRequest struct {
	Method string `json:"method"`
	nut04.PostMintQuoteRequest
}

type MintQuoteStateRequest struct {
	Method  string `json:"method"`
	QuoteId string `json:"quote_id"`
}

type MintRequest struct {
	Method string `json:"method"`
	nut04.PostMintRequest
}

type MeltQuoteRequest struct {
	Method string `json:"method"`
	nut05.PostMeltQuoteRequest
}

type MeltQuoteStateRequest struct {
	Method  string `json:"method"`
	QuoteId string `json:"quote_id"`
}

type MeltRequest struct {
	Method string `json:"method"`
	nut05.PostMeltRequest
}

// AcknowledgeRequest lets a client that has confirmed receipt of a
// Mint/Melt/Swap response evict it from the idempotent response cache.
type AcknowledgeRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type AcknowledgeResponse struct{}

// Server is implemented by mint.GRPCServer and registered against a
// *grpc.Server with RegisterMintServer.
type Server interface {
	Keys(ctx context.Context) (nut01.GetKeysResponse, error)
	Keysets(ctx context.Context) (nut02.GetKeysetsResponse, error)
	Swap(ctx context.Context, req nut03.PostSwapRequest) (nut03.PostSwapResponse, error)
	MintQuote(ctx context.Context, req MintQuoteRequest) (nut04.PostMintQuoteResponse, error)
	MintQuoteState(ctx context.Context, req MintQuoteStateRequest) (nut04.PostMintQuoteResponse, error)
	Mint(ctx context.Context, req MintRequest) (nut04.PostMintResponse, error)
	MeltQuote(ctx context.Context, req MeltQuoteRequest) (nut05.PostMeltQuoteResponse, error)
	MeltQuoteState(ctx context.Context, req MeltQuoteStateRequest) (nut05.PostMeltQuoteResponse, error)
	Melt(ctx context.Context, req MeltRequest) (nut05.PostMeltResponse, error)
	CheckState(ctx context.Context, req nut07.PostCheckStateRequest) (nut07.PostCheckStateResponse, error)
	Info(ctx context.Context) (nut06.MintInfo, error)
	Acknowledge(ctx context.Context, req AcknowledgeRequest) (AcknowledgeResponse, error)
}

func marshalEnvelope(v any) (*wrapperspb.BytesValue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	return wrapperspb.Bytes(b), nil
}

func unmarshalEnvelope(env *wrapperspb.BytesValue, v any) error {
	if env == nil || len(env.GetValue()) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.GetValue(), v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}
	return nil
}

// handler builds a grpc.MethodDesc.Handler that decodes the request into a
// fresh Req, invokes call, and re-encodes whatever it returns. Every method
// below is this same shape, so the generic collapses all twelve into one
// definition instead of the 4x copy-paste signerrpc tolerates.
func handler[Req any, Resp any](method string, call func(Server, context.Context, Req) (Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		h := func(ctx context.Context, req any) (any, error) {
			var decoded Req
			if err := unmarshalEnvelope(in, &decoded); err != nil {
				return nil, err
			}
			resp, err := call(srv.(Server), ctx, decoded)
			if err != nil {
				return nil, err
			}
			return marshalEnvelope(resp)
		}
		if interceptor == nil {
			return h(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		return interceptor(ctx, in, info, h)
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Keys", Handler: handler("Keys", func(s Server, ctx context.Context, _ struct{}) (nut01.GetKeysResponse, error) {
			return s.Keys(ctx)
		})},
		{MethodName: "Keysets", Handler: handler("Keysets", func(s Server, ctx context.Context, _ struct{}) (nut02.GetKeysetsResponse, error) {
			return s.Keysets(ctx)
		})},
		{MethodName: "Swap", Handler: handler("Swap", Server.Swap)},
		{MethodName: "MintQuote", Handler: handler("MintQuote", Server.MintQuote)},
		{MethodName: "MintQuoteState", Handler: handler("MintQuoteState", Server.MintQuoteState)},
		{MethodName: "Mint", Handler: handler("Mint", Server.Mint)},
		{MethodName: "MeltQuote", Handler: handler("MeltQuote", Server.MeltQuote)},
		{MethodName: "MeltQuoteState", Handler: handler("MeltQuoteState", Server.MeltQuoteState)},
		{MethodName: "Melt", Handler: handler("Melt", Server.Melt)},
		{MethodName: "CheckState", Handler: handler("CheckState", Server.CheckState)},
		{MethodName: "Info", Handler: handler("Info", func(s Server, ctx context.Context, _ struct{}) (nut06.MintInfo, error) {
			return s.Info(ctx)
		})},
		{MethodName: "Acknowledge", Handler: handler("Acknowledge", Server.Acknowledge)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mintrpc/mintrpc.proto",
}

func RegisterMintServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}
