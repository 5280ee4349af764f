package signer

import (
	"context"

	"github.com/elnosh/mintd/signer/signerrpc"
)

// GRPCServer adapts Service to the signerrpc.Server contract.
type GRPCServer struct {
	svc *Service
}

func NewGRPCServer(svc *Service) *GRPCServer {
	return &GRPCServer{svc: svc}
}

func (g *GRPCServer) DeclareKeyset(ctx context.Context, req signerrpc.DeclareKeysetRequest) (signerrpc.DeclareKeysetResponse, error) {
	keyset, err := g.svc.DeclareKeyset(req.Unit, req.Index, req.InputFeePpk)
	if err != nil {
		return signerrpc.DeclareKeysetResponse{}, err
	}
	return signerrpc.DeclareKeysetResponse{Keyset: keyset}, nil
}

func (g *GRPCServer) GetRootPubKey(ctx context.Context) (signerrpc.GetRootPubKeyResponse, error) {
	pub, err := g.svc.GetRootPubKey()
	if err != nil {
		return signerrpc.GetRootPubKeyResponse{}, err
	}
	return signerrpc.GetRootPubKeyResponse{PubKey: pub}, nil
}

func (g *GRPCServer) BlindSign(ctx context.Context, req signerrpc.BlindSignRequest) (signerrpc.BlindSignResponse, error) {
	sig, err := g.svc.BlindSign(req.KeysetId, req.Message)
	if err != nil {
		return signerrpc.BlindSignResponse{}, err
	}
	return signerrpc.BlindSignResponse{Signature: sig}, nil
}

func (g *GRPCServer) Verify(ctx context.Context, req signerrpc.VerifyRequest) (signerrpc.VerifyResponse, error) {
	if err := g.svc.Verify(req.Proof); err != nil {
		return signerrpc.VerifyResponse{Valid: false, Reason: err.Error()}, nil
	}
	return signerrpc.VerifyResponse{Valid: true}, nil
}
