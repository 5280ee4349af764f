// Package signerclient dials the signer service and exposes the subset of
// signerrpc as a plain Go interface so the mint engines don't depend on
// gRPC types directly.
package signerclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	grpccodes "google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut01"
	"github.com/elnosh/mintd/mint/metrics"
	"github.com/elnosh/mintd/signer/signerrpc"
)

var tracer = otel.Tracer("github.com/elnosh/mintd/mint/signerclient")

// retryable reports whether a gRPC error is worth another attempt: the
// signer was momentarily unreachable or overloaded, not that the request
// itself was invalid.
func retryable(err error) bool {
	switch grpcstatus.Code(err) {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// call runs fn under an otel span named method, retrying transient errors
// with bounded exponential backoff (at most 3 extra attempts).
func call[T any](ctx context.Context, method string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "signerclient."+method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	var result T
	err := backoff.Retry(func() error {
		var callErr error
		result, callErr = fn(ctx)
		if callErr == nil {
			return nil
		}
		if retryable(callErr) {
			metrics.SignerRPCRetries.WithLabelValues(method).Inc()
			return callErr
		}
		return backoff.Permanent(callErr)
	}, bo)

	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	return result, nil
}

// Client is the mint-side view of a signer: declare keysets at startup,
// ask for blind signatures and proof verification at request time.
type Client interface {
	DeclareKeyset(ctx context.Context, unit string, index uint32, inputFeePpk uint) (nut01.Keyset, error)
	GetRootPubKey(ctx context.Context) (string, error)
	BlindSign(ctx context.Context, keysetId string, msg cashu.BlindedMessage) (cashu.BlindedSignature, error)
	Verify(ctx context.Context, proof cashu.Proof) error
}

type grpcClient struct {
	rpc  *signerrpc.Client
	conn *grpc.ClientConn
}

// Dial connects to a signer instance at address. Set insecureTransport to
// true only for local development; production deployments terminate TLS
// between the mint node and its signer.
func Dial(address string, insecureTransport bool) (Client, error) {
	var opt grpc.DialOption
	if insecureTransport {
		opt = grpc.WithTransportCredentials(insecure.NewCredentials())
	} else {
		opt = grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{NextProtos: []string{"h2"}}))
	}

	conn, err := grpc.NewClient(address, opt)
	if err != nil {
		return nil, fmt.Errorf("error dialing signer at '%s': %w", address, err)
	}

	return &grpcClient{rpc: signerrpc.NewClient(conn), conn: conn}, nil
}

func (c *grpcClient) DeclareKeyset(ctx context.Context, unit string, index uint32, inputFeePpk uint) (nut01.Keyset, error) {
	return call(ctx, "DeclareKeyset", func(ctx context.Context) (nut01.Keyset, error) {
		resp, err := c.rpc.DeclareKeyset(ctx, signerrpc.DeclareKeysetRequest{Unit: unit, Index: index, InputFeePpk: inputFeePpk})
		if err != nil {
			return nut01.Keyset{}, err
		}
		return resp.Keyset, nil
	})
}

func (c *grpcClient) GetRootPubKey(ctx context.Context) (string, error) {
	return call(ctx, "GetRootPubKey", func(ctx context.Context) (string, error) {
		resp, err := c.rpc.GetRootPubKey(ctx)
		if err != nil {
			return "", err
		}
		return resp.PubKey, nil
	})
}

func (c *grpcClient) BlindSign(ctx context.Context, keysetId string, msg cashu.BlindedMessage) (cashu.BlindedSignature, error) {
	return call(ctx, "BlindSign", func(ctx context.Context) (cashu.BlindedSignature, error) {
		resp, err := c.rpc.BlindSign(ctx, signerrpc.BlindSignRequest{KeysetId: keysetId, Message: msg})
		if err != nil {
			return cashu.BlindedSignature{}, err
		}
		return resp.Signature, nil
	})
}

func (c *grpcClient) Verify(ctx context.Context, proof cashu.Proof) error {
	_, err := call(ctx, "Verify", func(ctx context.Context) (struct{}, error) {
		resp, err := c.rpc.Verify(ctx, signerrpc.VerifyRequest{Proof: proof})
		if err != nil {
			return struct{}{}, err
		}
		if !resp.Valid {
			return struct{}{}, cashu.InvalidProofErr
		}
		return struct{}{}, nil
	})
	return err
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}
