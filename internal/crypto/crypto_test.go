package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskgate/internal/domain"
)

// Well-known test key (hardhat account #0).
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func fastKDF(t *testing.T) {
	t.Helper()
	prev := kdfIterations
	kdfIterations = 1000
	t.Cleanup(func() { kdfIterations = prev })
}

func TestEncryptDecryptKey(t *testing.T) {
	fastKDF(t)
	blob, err := EncryptKey("0x"+testKey, "correct horse")
	require.NoError(t, err)
	assert.Contains(t, string(blob), `"iterations": 1000`)

	got, err := DecryptKey(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
	_, err = DecryptKey(blob, "")
	assert.Error(t, err)

	_, err = EncryptKey("zz", "pw")
	assert.Error(t, err)
	_, err = EncryptKey("abcd", "pw")
	assert.Error(t, err)
}

func TestDecryptKey_UnknownVersion(t *testing.T) {
	_, err := DecryptKey([]byte(`{"version":9,"salt":"","nonce":"","ciphertext":""}`), "pw")
	assert.ErrorContains(t, err, "unsupported version")
}

func TestLoadKey(t *testing.T) {
	fastKDF(t)

	k, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKey, EncryptedKeyPath: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, testKey, k)

	_, err = LoadKey(KeyConfig{RawPrivateKey: "not-hex"})
	assert.Error(t, err)

	blob, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	k, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKey, k)

	_, err = LoadKey(KeyConfig{})
	assert.ErrorIs(t, err, ErrNoKey)
}

func order() domain.LiveOrder {
	return domain.LiveOrder{
		SignalID:       "sig-1",
		WalletID:       "scalp",
		Symbol:         "SOL",
		Side:           domain.SideLong,
		NotionalUSD:    decimal.RequireFromString("250.5"),
		ReferencePrice: decimal.RequireFromString("142.123456789"),
		Nonce:          1_700_000_000_000,
	}
}

func TestSigner_SignAndRecover(t *testing.T) {
	s, err := NewSigner("0x"+testKey, 137)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	o := order()
	require.NoError(t, s.SignOrder(&o))
	assert.Equal(t, s.Address().Hex(), o.Signer)
	assert.True(t, strings.HasPrefix(o.Signature, "0x"))
	assert.Len(t, o.Signature, 2+130)

	addr, err := RecoverOrderSigner(o, 137)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)

	// Any signed field change breaks recovery.
	tampered := o
	tampered.NotionalUSD = decimal.RequireFromString("2505")
	addr, err = RecoverOrderSigner(tampered, 137)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), addr)

	// Different chain, different digest.
	addr, err = RecoverOrderSigner(o, 1)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), addr)
}

func TestOrderDigest(t *testing.T) {
	a, err := OrderDigest(order(), 137)
	require.NoError(t, err)
	assert.Len(t, a, 32)

	// Sub-micro precision and the long/buy alias do not change the digest.
	o := order()
	o.ReferencePrice = decimal.RequireFromString("142.1234569")
	o.Side = domain.SideBuy
	b, err := OrderDigest(o, 137)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	o.NotionalUSD = decimal.NewFromInt(-1)
	_, err = OrderDigest(o, 137)
	assert.Error(t, err)

	o = order()
	o.Side = "hold"
	_, err = OrderDigest(o, 137)
	assert.Error(t, err)
}

func TestSigner_DigestMatchesGethSign(t *testing.T) {
	s, err := NewSigner(testKey, 10)
	require.NoError(t, err)
	o := order()
	require.NoError(t, s.SignOrder(&o))

	digest, err := OrderDigest(o, 10)
	require.NoError(t, err)
	pub, err := ethcrypto.SigToPub(digest, mustSig(t, o.Signature))
	require.NoError(t, err)
	assert.Equal(t, s.Address(), ethcrypto.PubkeyToAddress(*pub))
}

func mustSig(t *testing.T, hexSig string) []byte {
	t.Helper()
	raw, err := hex.DecodeString(strings.TrimPrefix(hexSig, "0x"))
	require.NoError(t, err)
	require.Len(t, raw, 65)
	raw[64] -= 27
	return raw
}

func TestNewSigner_BadKey(t *testing.T) {
	_, err := NewSigner("xyz", 1)
	assert.Error(t, err)
}

func TestHMACAuth(t *testing.T) {
	auth := &HMACAuth{Key: "ops", Secret: "s3cret", MaxSkew: time.Minute}
	now := time.Unix(1_750_000_000, 0)
	h := auth.HeadersAt("POST", "/api/killswitch", `{"reason":"manual"}`, now.Unix())

	require.NoError(t, auth.Verify(h[HeaderKey], h[HeaderTimestamp], h[HeaderSignature],
		"POST", "/api/killswitch", `{"reason":"manual"}`, now.Add(30*time.Second)))

	assert.ErrorIs(t, auth.Verify(h[HeaderKey], h[HeaderTimestamp], h[HeaderSignature],
		"POST", "/api/killswitch", `{"reason":"other"}`, now), ErrBadSignature)
	assert.ErrorIs(t, auth.Verify("intruder", h[HeaderTimestamp], h[HeaderSignature],
		"POST", "/api/killswitch", `{"reason":"manual"}`, now), ErrBadSignature)
	assert.ErrorIs(t, auth.Verify(h[HeaderKey], h[HeaderTimestamp], h[HeaderSignature],
		"POST", "/api/killswitch", `{"reason":"manual"}`, now.Add(2*time.Minute)), ErrBadSignature)
	assert.ErrorIs(t, auth.Verify(h[HeaderKey], "yesterday", h[HeaderSignature],
		"POST", "/api/killswitch", `{"reason":"manual"}`, now), ErrBadSignature)

	assert.Equal(t, "HMACAuth{key=****, secret=s3cr****}", auth.String())
}
