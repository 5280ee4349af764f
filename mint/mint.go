// Package mint implements the protocol engine of a Cashu-style ecash mint
// node: the state machines and invariants governing mint quotes, melt
// quotes, swaps, and proof lifecycle. The engine never holds a private
// signing key; every cryptographic operation requiring one is delegated to
// a remote signer over signerclient.
package mint

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/elnosh/mintd/cashu"
	"github.com/elnosh/mintd/cashu/nuts/nut01"
	"github.com/elnosh/mintd/cashu/nuts/nut02"
	"github.com/elnosh/mintd/cashu/nuts/nut06"
	"github.com/elnosh/mintd/mint/config"
	"github.com/elnosh/mintd/mint/keysetcache"
	"github.com/elnosh/mintd/mint/liquidity"
	"github.com/elnosh/mintd/mint/responsecache"
	"github.com/elnosh/mintd/mint/signerclient"
	"github.com/elnosh/mintd/mint/storage"
)

type Mint struct {
	db        storage.MintDB
	signer    signerclient.Client
	keysets   *keysetcache.Cache
	liquidity *liquidity.Registry
	responses *responsecache.Cache
	settings  *settings

	logger *slog.Logger
	limits config.Limits

	units            []string
	activeKeysetId   map[string]string // unit -> active keyset id
	allKeysetIds     map[string][]string
	feePpk           map[string]uint // keyset id -> input fee ppk
	maxInputsOutputs int
	startTime        time.Time
}

// Deps bundles the dependencies LoadMint wires together. The caller (cmd/mint)
// constructs the db, signer client, and liquidity registry, since those carry
// their own lifecycle (connection pools, dialed conns) independent of the
// engine's.
type Deps struct {
	DB        storage.MintDB
	Signer    signerclient.Client
	Liquidity *liquidity.Registry
	Config    *config.Config
}

func LoadMint(deps Deps) (*Mint, error) {
	cfg := deps.Config
	logLevel := Info
	if cfg.LogLevel == "debug" {
		logLevel = Debug
	} else if cfg.LogLevel == "disable" {
		logLevel = Disable
	}

	responses, err := responsecache.New(cfg.ResponseCacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("error creating response cache: %w", err)
	}

	m := &Mint{
		db:               deps.DB,
		signer:           deps.Signer,
		liquidity:        deps.Liquidity,
		responses:        responses,
		logger:           setupLogger(logLevel),
		limits:           cfg.Limits,
		units:            cfg.Units,
		activeKeysetId:   make(map[string]string),
		allKeysetIds:     make(map[string][]string),
		feePpk:           make(map[string]uint),
		maxInputsOutputs: config.MaxInputsOutputs,
		startTime:        time.Now(),
	}

	// every keyset this process knows about is populated into the cache
	// directly at bootstrap time via Put, so a miss here means the id is
	// genuinely unknown rather than merely not-yet-loaded.
	m.keysets = keysetcache.New(func(id string) (nut01.Keyset, error) {
		return nut01.Keyset{}, cashu.UnknownKeysetErr
	})

	if err := m.bootstrapKeysets(cfg); err != nil {
		return nil, fmt.Errorf("error bootstrapping keysets: %w", err)
	}

	mintMethods := make([]nut06.MethodSetting, 0, len(cfg.LiquidityBackends))
	meltMethods := make([]nut06.MethodSetting, 0, len(cfg.LiquidityBackends))
	for _, b := range cfg.LiquidityBackends {
		mintMethods = append(mintMethods, nut06.MethodSetting{
			Method: b.Method, Unit: b.Unit,
			MinAmount: m.limits.MintingSettings.MinAmount, MaxAmount: m.limits.MintingSettings.MaxAmount,
		})
		meltMethods = append(meltMethods, nut06.MethodSetting{
			Method: b.Method, Unit: b.Unit,
			MinAmount: m.limits.MeltingSettings.MinAmount, MaxAmount: m.limits.MeltingSettings.MaxAmount,
		})
	}

	pubkey, err := m.signer.GetRootPubKey(context.Background())
	if err != nil {
		return nil, fmt.Errorf("error fetching root pubkey from signer: %w", err)
	}

	info := nut06.MintInfo{
		Name:            cfg.MintInfo.Name,
		Pubkey:          pubkey,
		Version:         "mintd/0.1.0",
		Description:     cfg.MintInfo.Description,
		LongDescription: cfg.MintInfo.LongDescription,
		Contact:         cfg.MintInfo.Contact,
		Motd:            cfg.MintInfo.Motd,
		Nuts: nut06.NutsMap{
			1: map[string]any{},
			2: map[string]any{},
			3: map[string]any{},
			4: nut06.NutSetting{Methods: mintMethods},
			5: nut06.NutSetting{Methods: meltMethods},
			6: map[string]bool{"supported": true},
			7: map[string]bool{"supported": true},
		},
	}
	m.settings = newSettings(info, mintMethods, meltMethods)

	return m, nil
}

// bootstrapKeysets declares one active keyset per configured unit with the
// signer (idempotent: DeclareKeyset returns the existing keyset if one was
// already derived for that unit/index pair) and loads every keyset the db
// already knows about into the keyset cache.
func (m *Mint) bootstrapKeysets(cfg *config.Config) error {
	dbKeysets, err := m.db.GetKeysets()
	if err != nil {
		return fmt.Errorf("error reading keysets from db: %w", err)
	}
	for _, dbks := range dbKeysets {
		ks, err := m.signer.DeclareKeyset(context.Background(), dbks.Unit, dbks.DerivationPathIdx, dbks.InputFeePpk)
		if err != nil {
			return fmt.Errorf("error re-declaring keyset '%s' with signer: %w", dbks.Id, err)
		}
		m.keysets.Put(ks, dbks.Active)
		m.allKeysetIds[dbks.Unit] = append(m.allKeysetIds[dbks.Unit], ks.Id)
		m.feePpk[ks.Id] = dbks.InputFeePpk
		if dbks.Active {
			m.activeKeysetId[dbks.Unit] = ks.Id
		}
	}

	for _, unit := range cfg.Units {
		if _, ok := m.activeKeysetId[unit]; ok {
			continue
		}

		ks, err := m.signer.DeclareKeyset(context.Background(), unit, cfg.KeysetDerivationIndex, cfg.InputFeePpk)
		if err != nil {
			return fmt.Errorf("error declaring keyset for unit '%s': %w", unit, err)
		}
		m.logInfof("declared active keyset '%v' for unit '%v' with fee %v", ks.Id, unit, cfg.InputFeePpk)

		if err := m.db.SaveKeyset(storage.DBKeyset{
			Id: ks.Id, Unit: unit, Active: true,
			DerivationPathIdx: cfg.KeysetDerivationIndex, InputFeePpk: cfg.InputFeePpk,
		}); err != nil {
			return fmt.Errorf("error saving new active keyset: %w", err)
		}

		m.keysets.Put(ks, true)
		m.activeKeysetId[unit] = ks.Id
		m.allKeysetIds[unit] = append(m.allKeysetIds[unit], ks.Id)
		m.feePpk[ks.Id] = cfg.InputFeePpk
	}

	return nil
}

func (m *Mint) unitSupported(unit string) bool {
	for _, u := range m.units {
		if u == unit {
			return true
		}
	}
	return false
}

// GetKeys returns the currently active keyset for every configured unit,
// the NUT-01 keys endpoint's response.
func (m *Mint) GetKeys() (nut01.GetKeysResponse, error) {
	resp := nut01.GetKeysResponse{}
	for unit, id := range m.activeKeysetId {
		ks, err := m.keysets.Get(id)
		if err != nil {
			return nut01.GetKeysResponse{}, fmt.Errorf("error reading active keyset for unit '%s': %w", unit, err)
		}
		resp.Keysets = append(resp.Keysets, ks)
	}
	return resp, nil
}

// GetKeysById returns the keyset with the given id, as NUT-01 asks for when
// the request is scoped to one keyset.
func (m *Mint) GetKeysById(id string) (nut01.GetKeysResponse, error) {
	ks, err := m.keysets.Get(id)
	if err != nil {
		return nut01.GetKeysResponse{}, err
	}
	return nut01.GetKeysResponse{Keysets: []nut01.Keyset{ks}}, nil
}

// GetKeysets returns every keyset this mint has ever declared, active or
// not, the NUT-02 keysets endpoint's response.
func (m *Mint) GetKeysets() (nut02.GetKeysetsResponse, error) {
	resp := nut02.GetKeysetsResponse{}
	for _, unit := range m.units {
		for _, ks := range m.keysets.ForUnit(unit) {
			info, ok := m.keysets.Info(ks.Id)
			if !ok {
				continue
			}
			resp.Keysets = append(resp.Keysets, nut02.Keyset{Id: ks.Id, Unit: info.Unit, Active: info.Active})
		}
	}
	return resp, nil
}

func (m *Mint) NodeInfo() (nut06.MintInfo, error) {
	balance, err := m.db.GetBalance()
	if err != nil {
		return nut06.MintInfo{}, err
	}

	info := m.settings.Info()
	mintingDisabled := m.limits.MaxBalance > 0 && balance >= m.limits.MaxBalance
	m.settings.SetMintDisabled(mintingDisabled)

	// copy the Nuts map so the shared settings snapshot is never written to
	nuts := make(nut06.NutsMap, len(info.Nuts))
	for k, v := range info.Nuts {
		nuts[k] = v
	}
	mint4 := nuts[4].(nut06.NutSetting)
	mint4.Disabled = mintingDisabled
	nuts[4] = mint4
	info.Nuts = nuts

	return info, nil
}

// TransactionFees computes the fee, rounded up to the nearest whole unit,
// charged for the given input proofs. Proof keyset ids are assumed already
// validated by proofsUnit.
func (m *Mint) TransactionFees(inputs cashu.Proofs) uint64 {
	var feesPpk uint64
	for _, p := range inputs {
		feesPpk += uint64(m.feePpk[p.Id])
	}
	return (feesPpk + 999) / 1000
}

// overflowAddUint64 returns a+b and whether the addition overflowed uint64,
// clamping the result to math.MaxUint64 on overflow.
func overflowAddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return math.MaxUint64, true
	}
	return sum, false
}

// underflowSubUint64 returns a-b and whether the subtraction underflowed,
// clamping the result to 0 on underflow.
func underflowSubUint64(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, true
	}
	return a - b, false
}
