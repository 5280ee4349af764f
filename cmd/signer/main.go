package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/tyler-smith/go-bip39"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/elnosh/mintd/mint/metrics"
	"github.com/elnosh/mintd/signer"
	"github.com/elnosh/mintd/signer/signerrpc"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// seedFromEnv loads the signer's root seed from a mnemonic in the process
// environment. The mint node connects to this process over gRPC and never
// learns the mnemonic, the seed, or any derived private key.
func seedFromEnv() ([]byte, error) {
	mnemonic := os.Getenv("SIGNER_MNEMONIC")
	if mnemonic == "" {
		log.Fatal("SIGNER_MNEMONIC cannot be empty")
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		log.Fatal("SIGNER_MNEMONIC is not a valid mnemonic")
	}
	return bip39.NewSeed(mnemonic, os.Getenv("SIGNER_SEED_PASSPHRASE")), nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading configuration from process environment")
	}

	seed, err := seedFromEnv()
	if err != nil {
		log.Fatalf("error deriving seed: %v", err)
	}

	svc, err := signer.NewService(seed)
	if err != nil {
		log.Fatalf("error starting signer: %v", err)
	}

	opts := []grpc.ServerOption{grpc.UnaryInterceptor(metrics.UnaryServerInterceptor())}
	certPath := os.Getenv("SIGNER_TLS_CERT_PATH")
	keyPath := os.Getenv("SIGNER_TLS_KEY_PATH")
	if certPath != "" && keyPath != "" {
		creds, err := credentials.NewServerTLSFromFile(certPath, keyPath)
		if err != nil {
			log.Fatalf("error loading TLS credentials: %v", err)
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		log.Println("no TLS certificate configured, serving signer over an insecure transport")
	}

	grpcServer := grpc.NewServer(opts...)
	signerrpc.RegisterSignerServer(grpcServer, signer.NewGRPCServer(svc))

	port := envOrDefault("SIGNER_GRPC_PORT", "3340")
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		log.Fatalf("error listening on port %s: %v", port, err)
	}

	metricsPort := envOrDefault("SIGNER_METRICS_PORT", "3341")
	metricsServer := &http.Server{Addr: ":" + metricsPort, Handler: metricsMux()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Println("shutting down signer")
		grpcServer.GracefulStop()
		metricsServer.Shutdown(context.Background())
	}()

	log.Printf("signer listening on %s", port)
	if err := grpcServer.Serve(listener); err != nil {
		log.Fatalf("signer exited: %v", err)
	}
}
