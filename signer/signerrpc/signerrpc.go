// Package signerrpc defines the gRPC contract between the mint node and
// the signer. Payloads are carried as JSON inside google.golang.org/protobuf's
// wrapperspb.BytesValue rather than through protoc-generated message types,
// since the wire shapes here are simple key-value request/response pairs
// and change shape alongside the mint's own domain types far more often
// than a stable protobuf schema would tolerate.
package signerrpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut01"
)

const serviceName = "signerrpc.Signer"

type DeclareKeysetRequest struct {
	Unit        string `json:"unit"`
	Index       uint32 `json:"index"`
	InputFeePpk uint   `json:"input_fee_ppk"`
}

type DeclareKeysetResponse struct {
	Keyset nut01.Keyset `json:"keyset"`
}

type GetRootPubKeyResponse struct {
	PubKey string `json:"pubkey"`
}

type BlindSignRequest struct {
	KeysetId string               `json:"keyset_id"`
	Message  cashu.BlindedMessage `json:"message"`
}

type BlindSignResponse struct {
	Signature cashu.BlindedSignature `json:"signature"`
}

type VerifyRequest struct {
	Proof cashu.Proof `json:"proof"`
}

type VerifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Server is implemented by signer.GRPCServer (context-taking adapter methods
// over signer.Service) and registered against a *grpc.Server with
// RegisterSignerServer.
type Server interface {
	DeclareKeyset(ctx context.Context, req DeclareKeysetRequest) (DeclareKeysetResponse, error)
	GetRootPubKey(ctx context.Context) (GetRootPubKeyResponse, error)
	BlindSign(ctx context.Context, req BlindSignRequest) (BlindSignResponse, error)
	Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error)
}

func marshalEnvelope(v any) (*wrapperspb.BytesValue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding request: %v", err)
	}
	return wrapperspb.Bytes(b), nil
}

func unmarshalEnvelope(env *wrapperspb.BytesValue, v any) error {
	if env == nil {
		return status.Error(codes.InvalidArgument, "empty request")
	}
	if err := json.Unmarshal(env.GetValue(), v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}
	return nil
}

func _Signer_DeclareKeyset_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		var decoded DeclareKeysetRequest
		if err := unmarshalEnvelope(in, &decoded); err != nil {
			return nil, err
		}
		resp, err := srv.(Server).DeclareKeyset(ctx, decoded)
		if err != nil {
			return nil, err
		}
		return marshalEnvelope(resp)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/DeclareKeyset"}
	return interceptor(ctx, in, info, handler)
}

func _Signer_GetRootPubKey_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(Server).GetRootPubKey(ctx)
		if err != nil {
			return nil, err
		}
		return marshalEnvelope(resp)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetRootPubKey"}
	return interceptor(ctx, in, info, handler)
}

func _Signer_BlindSign_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		var decoded BlindSignRequest
		if err := unmarshalEnvelope(in, &decoded); err != nil {
			return nil, err
		}
		resp, err := srv.(Server).BlindSign(ctx, decoded)
		if err != nil {
			return nil, err
		}
		return marshalEnvelope(resp)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/BlindSign"}
	return interceptor(ctx, in, info, handler)
}

func _Signer_Verify_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		var decoded VerifyRequest
		if err := unmarshalEnvelope(in, &decoded); err != nil {
			return nil, err
		}
		resp, err := srv.(Server).Verify(ctx, decoded)
		if err != nil {
			return nil, err
		}
		return marshalEnvelope(resp)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Verify"}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the grpc.ServiceDesc for the signer contract, played the
// role protoc-gen-go-grpc would otherwise generate.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "DeclareKeyset", Handler: _Signer_DeclareKeyset_Handler},
		{MethodName: "GetRootPubKey", Handler: _Signer_GetRootPubKey_Handler},
		{MethodName: "BlindSign", Handler: _Signer_BlindSign_Handler},
		{MethodName: "Verify", Handler: _Signer_Verify_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "signerrpc/signerrpc.proto",
}

func RegisterSignerServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client is a thin typed wrapper over a *grpc.ClientConn dialed to a
// signer instance.
type Client struct {
	cc *grpc.ClientConn
}

func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func (c *Client) DeclareKeyset(ctx context.Context, req DeclareKeysetRequest) (DeclareKeysetResponse, error) {
	var resp DeclareKeysetResponse
	env, err := marshalEnvelope(req)
	if err != nil {
		return resp, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/DeclareKeyset", env, out); err != nil {
		return resp, err
	}
	err = unmarshalEnvelope(out, &resp)
	return resp, err
}

func (c *Client) GetRootPubKey(ctx context.Context) (GetRootPubKeyResponse, error) {
	var resp GetRootPubKeyResponse
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/GetRootPubKey", wrapperspb.Bytes(nil), out); err != nil {
		return resp, err
	}
	err := unmarshalEnvelope(out, &resp)
	return resp, err
}

func (c *Client) BlindSign(ctx context.Context, req BlindSignRequest) (BlindSignResponse, error) {
	var resp BlindSignResponse
	env, err := marshalEnvelope(req)
	if err != nil {
		return resp, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/BlindSign", env, out); err != nil {
		return resp, err
	}
	err = unmarshalEnvelope(out, &resp)
	return resp, err
}

func (c *Client) Verify(ctx context.Context, req VerifyRequest) (VerifyResponse, error) {
	var resp VerifyResponse
	env, err := marshalEnvelope(req)
	if err != nil {
		return resp, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Verify", env, out); err != nil {
		return resp, err
	}
	err = unmarshalEnvelope(out, &resp)
	return resp, err
}
