package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/elnosh/mintd/mint"
	"github.com/elnosh/mintd/mint/config"
	"github.com/elnosh/mintd/mint/liquidity"
	"github.com/elnosh/mintd/mint/metrics"
	"github.com/elnosh/mintd/mint/mintrpc"
	"github.com/elnosh/mintd/mint/signerclient"
	"github.com/elnosh/mintd/mint/storage/postgres"
	"github.com/joho/godotenv"
)

// buildLiquidity wires one backend per configured method:unit:driver triple.
// "mock" is the only driver this node ships; a real node points DRIVER at
// something crypto/signerclient never touches, since the node still never
// handles money directly, only liquidity requests and proofs.
func buildLiquidity(backends []config.LiquidityBackend) (*liquidity.Registry, error) {
	registry := liquidity.NewRegistry()
	for _, b := range backends {
		switch b.Driver {
		case "mock":
			registry.Register(b.Method, b.Unit, &liquidity.Mock{})
		default:
			return nil, fmt.Errorf("unknown liquidity driver %q for %s:%s", b.Driver, b.Method, b.Unit)
		}
	}
	return registry, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading configuration from process environment")
	}
	cfg := config.MustFromEnv()

	db, err := postgres.Open(cfg.PGUrl)
	if err != nil {
		log.Fatalf("error opening database: %v", err)
	}
	defer db.Close()

	signer, err := signerclient.Dial(cfg.SignerUrl, cfg.Insecure)
	if err != nil {
		log.Fatalf("error dialing signer: %v", err)
	}

	liquidityRegistry, err := buildLiquidity(cfg.LiquidityBackends)
	if err != nil {
		log.Fatalf("error setting up liquidity backends: %v", err)
	}

	m, err := mint.LoadMint(mint.Deps{
		DB:        db,
		Signer:    signer,
		Liquidity: liquidityRegistry,
		Config:    cfg,
	})
	if err != nil {
		log.Fatalf("error loading mint: %v", err)
	}

	grpcServer, err := setupGRPCServer(m, cfg)
	if err != nil {
		log.Fatalf("error setting up gRPC server: %v", err)
	}
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatalf("error listening on gRPC port %s: %v", cfg.GRPCPort, err)
	}

	restServer := mint.NewRESTServer(m, ":"+cfg.RESTPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("gRPC server listening on %s", cfg.GRPCPort)
		return grpcServer.Serve(grpcListener)
	})
	g.Go(func() error {
		log.Printf("REST server listening on %s", cfg.RESTPort)
		return restServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down")
		grpcServer.GracefulStop()
		return restServer.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("mint exited: %v", err)
	}
}

func setupGRPCServer(m *mint.Mint, cfg *config.Config) (*grpc.Server, error) {
	opts := []grpc.ServerOption{grpc.UnaryInterceptor(metrics.UnaryServerInterceptor())}
	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("error loading TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}

	server := grpc.NewServer(opts...)
	// registered via the hand-authored mintrpc contract, not a generated
	// protoc-gen-go service.
	mintrpc.RegisterMintServer(server, mint.NewGRPCServer(m))
	return server, nil
}
