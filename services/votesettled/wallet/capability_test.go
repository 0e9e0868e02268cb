package wallet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectorBuiltinTable(t *testing.T) {
	d := NewDetector()
	require.Equal(t, 10, d.Ceiling(ProviderInfo{Name: "MetaMask"}))
	require.Equal(t, 20, d.Ceiling(ProviderInfo{Name: "Coinbase Wallet"}))
	require.Equal(t, 50, d.Ceiling(ProviderInfo{Name: "Coinbase  Smart Wallet"}))
	require.Equal(t, 100, d.Ceiling(ProviderInfo{Name: "Safe{Wallet}"}))
	require.Equal(t, DefaultCeiling, d.Ceiling(ProviderInfo{Name: "Some New Wallet"}))
	require.Equal(t, DefaultCeiling, d.Ceiling(ProviderInfo{}))
}

func TestDetectorFlagsRaiseCeiling(t *testing.T) {
	d := NewDetector()
	require.Equal(t, 50, d.Ceiling(ProviderInfo{Name: "Unknown", Flags: []string{"atomic"}}))
	require.Equal(t, 100, d.Ceiling(ProviderInfo{Name: "Safe", Flags: []string{"atomic"}}))
	require.Equal(t, 10, d.Ceiling(ProviderInfo{Name: "MetaMask", Flags: []string{"unrelated"}}))
}

func TestDetectorFamily(t *testing.T) {
	d := NewDetector()
	require.Equal(t, "metamask", d.Family(ProviderInfo{Name: "MetaMask Flask"}))
	require.Equal(t, "other", d.Family(ProviderInfo{Name: "mystery"}))
}

func TestLoadDetectorMergesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallets.toml")
	contents := `
default = 4

[[provider]]
match = "metamask"
ceiling = 3

[[provider]]
match = "frame"
ceiling = 15

[flags]
sponsored = 30
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	d, err := LoadDetector(path)
	require.NoError(t, err)
	require.Equal(t, 3, d.Ceiling(ProviderInfo{Name: "MetaMask"}))
	require.Equal(t, 15, d.Ceiling(ProviderInfo{Name: "Frame"}))
	require.Equal(t, 10, d.Ceiling(ProviderInfo{Name: "Rabby"}))
	require.Equal(t, 4, d.Ceiling(ProviderInfo{Name: "unknown"}))
	require.Equal(t, 30, d.Ceiling(ProviderInfo{Name: "unknown", Flags: []string{"Sponsored"}}))
}

func TestLoadDetectorRejectsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallets.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[provider]]\nmatch = \"x\"\nceiling = 0\n"), 0o600))
	_, err := LoadDetector(path)
	require.Error(t, err)
}
