// Package config reads the mint node's configuration from the process
// environment, following the teacher's configFromEnv idiom: parse by hand
// with strconv/strings, log.Fatalf on a malformed value.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/elnosh/mintd/cashu/nuts/nut06"
)

// MaxInputsOutputs bounds how many proofs/blinded messages a single
// swap/mint/melt request may carry. Fixed, not configurable.
const MaxInputsOutputs = 64

const DefaultQuoteTTL = 3600

const DefaultResponseCacheCapacity = 10000

type MethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type Limits struct {
	MaxBalance      uint64
	MintingSettings MethodSettings
	MeltingSettings MethodSettings
}

// LiquidityBackend is one method:unit:driver triple parsed out of
// LIQUIDITY_BACKENDS, e.g. "bolt11:sat:mock,bolt11:usd:mock".
type LiquidityBackend struct {
	Method string
	Unit   string
	Driver string
}

type Config struct {
	PGUrl     string
	SignerUrl string
	Insecure  bool

	GRPCPort string
	RESTPort string

	TLSCertPath string
	TLSKeyPath  string

	QuoteTTL              uint64
	ResponseCacheCapacity int
	KeysetDerivationIndex uint32
	InputFeePpk           uint

	Units             []string
	LiquidityBackends []LiquidityBackend
	Limits            Limits

	MintInfo MintInfo
	LogLevel string
}

type MintInfo struct {
	Name            string
	Description     string
	LongDescription string
	Motd            string
	Contact         []nut06.ContactInfo
}

func FromEnv() (*Config, error) {
	pgURL := os.Getenv("PG_URL")
	if pgURL == "" {
		return nil, fmt.Errorf("PG_URL cannot be empty")
	}

	signerURL := os.Getenv("SIGNER_URL")
	if signerURL == "" {
		return nil, fmt.Errorf("SIGNER_URL cannot be empty")
	}

	cfg := &Config{
		PGUrl:       pgURL,
		SignerUrl:   signerURL,
		Insecure:    strings.ToLower(os.Getenv("SIGNER_INSECURE")) == "true",
		GRPCPort:    envOrDefault("GRPC_PORT", "3339"),
		RESTPort:    envOrDefault("REST_PORT", "3338"),
		TLSCertPath: os.Getenv("TLS_CERT_PATH"),
		TLSKeyPath:  os.Getenv("TLS_KEY_PATH"),
		LogLevel:    os.Getenv("LOG"),
	}

	cfg.QuoteTTL = DefaultQuoteTTL
	if v, ok := os.LookupEnv("QUOTE_TTL"); ok {
		ttl, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid QUOTE_TTL: %v", err)
		}
		cfg.QuoteTTL = ttl
	}

	cfg.ResponseCacheCapacity = DefaultResponseCacheCapacity
	if v, ok := os.LookupEnv("RESPONSE_CACHE_CAPACITY"); ok {
		cap, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid RESPONSE_CACHE_CAPACITY: %v", err)
		}
		cfg.ResponseCacheCapacity = cap
	}

	if v, ok := os.LookupEnv("KEYSET_DERIVATION_INDEX"); ok {
		idx, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid KEYSET_DERIVATION_INDEX: %v", err)
		}
		cfg.KeysetDerivationIndex = uint32(idx)
	}

	if v, ok := os.LookupEnv("INPUT_FEE_PPK"); ok {
		fee, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid INPUT_FEE_PPK: %v", err)
		}
		cfg.InputFeePpk = uint(fee)
	}

	units := os.Getenv("MINT_UNITS")
	if units == "" {
		units = "msat"
	}
	for _, u := range strings.Split(units, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			cfg.Units = append(cfg.Units, u)
		}
	}

	backends := os.Getenv("LIQUIDITY_BACKENDS")
	if backends == "" {
		backends = fmt.Sprintf("bolt11:%s:mock", cfg.Units[0])
	}
	for _, triple := range strings.Split(backends, ",") {
		triple = strings.TrimSpace(triple)
		if triple == "" {
			continue
		}
		parts := strings.Split(triple, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid LIQUIDITY_BACKENDS entry %q, want method:unit:driver", triple)
		}
		cfg.LiquidityBackends = append(cfg.LiquidityBackends, LiquidityBackend{
			Method: parts[0], Unit: parts[1], Driver: parts[2],
		})
	}

	if v, ok := os.LookupEnv("MAX_BALANCE"); ok {
		maxBalance, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_BALANCE: %v", err)
		}
		cfg.Limits.MaxBalance = maxBalance
	}
	if v, ok := os.LookupEnv("MINTING_MAX_AMOUNT"); ok {
		max, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MINTING_MAX_AMOUNT: %v", err)
		}
		cfg.Limits.MintingSettings.MaxAmount = max
	}
	if v, ok := os.LookupEnv("MELTING_MAX_AMOUNT"); ok {
		max, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid MELTING_MAX_AMOUNT: %v", err)
		}
		cfg.Limits.MeltingSettings.MaxAmount = max
	}

	cfg.MintInfo = MintInfo{
		Name:            os.Getenv("MINT_NAME"),
		Description:     os.Getenv("MINT_DESCRIPTION"),
		LongDescription: os.Getenv("MINT_DESCRIPTION_LONG"),
		Motd:            os.Getenv("MINT_MOTD"),
	}
	if contact := os.Getenv("MINT_CONTACT_INFO"); contact != "" {
		var infoArr [][]string
		if err := json.Unmarshal([]byte(contact), &infoArr); err != nil {
			return nil, fmt.Errorf("error parsing contact info: %v", err)
		}
		for _, info := range infoArr {
			cfg.MintInfo.Contact = append(cfg.MintInfo.Contact, nut06.ContactInfo{Method: info[0], Info: info[1]})
		}
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// MustFromEnv is the cmd/mint entrypoint's preferred form, matching the
// teacher's log.Fatalf-on-bad-config posture.
func MustFromEnv() *Config {
	cfg, err := FromEnv()
	if err != nil {
		log.Fatalf("error reading config: %v", err)
	}
	return cfg
}
