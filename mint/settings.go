package mint

import (
	"sync/atomic"

	"github.com/elnosh/mintd/cashu/nuts/nut06"
)

// settings holds the mint's NUT-06 info document plus the per-method
// settings it advertises for minting and melting. It is read far more often
// than it is written (once at startup, then when NodeInfo records whether
// minting is disabled), so readers take a lock-free snapshot via
// atomic.Pointer instead of contending on a mutex for the common case.
type settings struct {
	current atomic.Pointer[nutsSettings]
}

type nutsSettings struct {
	info         nut06.MintInfo
	mintMethods  []nut06.MethodSetting
	meltMethods  []nut06.MethodSetting
	mintDisabled bool
	meltDisabled bool
}

func newSettings(info nut06.MintInfo, mintMethods []nut06.MethodSetting, meltMethods []nut06.MethodSetting) *settings {
	s := &settings{}
	snapshot := &nutsSettings{
		info:        info,
		mintMethods: mintMethods,
		meltMethods: meltMethods,
	}
	s.current.Store(snapshot)
	return s
}

func (s *settings) Info() nut06.MintInfo {
	return s.current.Load().info
}

func (s *settings) MintMethods() []nut06.MethodSetting {
	return s.current.Load().mintMethods
}

func (s *settings) MeltMethods() []nut06.MethodSetting {
	return s.current.Load().meltMethods
}

func (s *settings) MintDisabled() bool {
	return s.current.Load().mintDisabled
}

func (s *settings) MeltDisabled() bool {
	return s.current.Load().meltDisabled
}

// SetMotd replaces the motd shown in the info document without disturbing
// any other field, publishing a new immutable snapshot atomically.
func (s *settings) SetMotd(motd string) {
	old := s.current.Load()
	next := *old
	next.info.Motd = motd
	s.current.Store(&next)
}

func (s *settings) SetMintDisabled(disabled bool) {
	old := s.current.Load()
	next := *old
	next.mintDisabled = disabled
	s.current.Store(&next)
}

func (s *settings) SetMeltDisabled(disabled bool) {
	old := s.current.Load()
	next := *old
	next.meltDisabled = disabled
	s.current.Store(&next)
}

// SetLimits replaces the mint/melt method limits wholesale.
func (s *settings) SetLimits(mintMethods []nut06.MethodSetting, meltMethods []nut06.MethodSetting) {
	old := s.current.Load()
	next := *old
	next.mintMethods = mintMethods
	next.meltMethods = meltMethods
	s.current.Store(&next)
}
