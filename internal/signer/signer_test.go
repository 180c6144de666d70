package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/x402"
	"go.uber.org/zap"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newWallet(t *testing.T, ks *Keystore) (domain.HotWallet, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	blob, err := ks.Seal(crypto.FromECDSA(key), addr)
	require.NoError(t, err)
	return domain.HotWallet{UserID: "user-1", Address: addr, EncryptedKey: blob}, key
}

func testRequirement() domain.PaymentRequirement {
	return domain.PaymentRequirement{
		Scheme:            x402.SchemeExact,
		Network:           "base-sepolia",
		MaxAmountRequired: "1500000",
		Resource:          "https://api.example.com/weather",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		MaxTimeoutSeconds: 120,
		Extra:             domain.RequirementExtra{Name: "USDC", Version: "2"},
	}
}

func TestKeystore(t *testing.T) {
	ks, err := NewKeystore(testMasterKey)
	require.NoError(t, err)

	wallet, key := newWallet(t, ks)

	t.Run("RoundTrip", func(t *testing.T) {
		plain, err := ks.Open(wallet.EncryptedKey, wallet.Address)
		require.NoError(t, err)
		assert.Equal(t, crypto.FromECDSA(key), plain)
	})

	t.Run("WrongAddress", func(t *testing.T) {
		_, err := ks.Open(wallet.EncryptedKey, "0x0000000000000000000000000000000000000001")
		assert.ErrorIs(t, err, domain.ErrKeyDecryptionFailed)
	})

	t.Run("Tampered", func(t *testing.T) {
		blob := append([]byte(nil), wallet.EncryptedKey...)
		blob[len(blob)-1] ^= 0xff
		_, err := ks.Open(blob, wallet.Address)
		assert.ErrorIs(t, err, domain.ErrKeyDecryptionFailed)
	})

	t.Run("WrongMasterKey", func(t *testing.T) {
		other, err := NewKeystore("ff0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
		require.NoError(t, err)
		_, err = other.Open(wallet.EncryptedKey, wallet.Address)
		assert.ErrorIs(t, err, domain.ErrKeyDecryptionFailed)
	})

	t.Run("BadMasterKey", func(t *testing.T) {
		_, err := NewKeystore("abcd")
		assert.Error(t, err)
	})
}

func TestAuthorize(t *testing.T) {
	ks, _ := NewKeystore(testMasterKey)
	wallet, _ := newWallet(t, ks)

	s := NewSigner(ks, DomainConfig{ChainID: 84532, Network: "base-sepolia", Name: "USDC", Version: "2"}, zap.NewNop())
	fixed := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return fixed }

	req := testRequirement()
	payment, err := s.Authorize(context.Background(), wallet, req)
	require.NoError(t, err)

	auth := payment.Payload.Authorization
	assert.Equal(t, wallet.Address, auth.From)
	assert.Equal(t, req.PayTo, auth.To)
	assert.Equal(t, "1500000", auth.Value)
	assert.Equal(t, "1700000120", auth.ValidBefore)
	assert.Equal(t, x402.SchemeExact, payment.Scheme)

	// Подпись восстанавливается в адрес кошелька
	hash, err := s.HashAuthorization(auth, req)
	require.NoError(t, err)
	sig, err := hexutil.Decode(payment.Payload.Signature)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	sig[64] -= 27
	pub, err := crypto.SigToPub(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, wallet.Address, crypto.PubkeyToAddress(*pub).Hex())

	// Каждая авторизация уникальна (свой nonce)
	again, err := s.Authorize(context.Background(), wallet, req)
	require.NoError(t, err)
	assert.NotEqual(t, auth.Nonce, again.Payload.Authorization.Nonce)

	// Подпись привязана к получателю, сумме и контракту токена
	otherPayee := auth
	otherPayee.To = "0x0000000000000000000000000000000000000002"
	otherValue := auth
	otherValue.Value = "1500001"
	otherAsset := req
	otherAsset.Asset = "0x0000000000000000000000000000000000000003"

	for name, h := range map[string]func() ([]byte, error){
		"payee": func() ([]byte, error) { return s.HashAuthorization(otherPayee, req) },
		"value": func() ([]byte, error) { return s.HashAuthorization(otherValue, req) },
		"asset": func() ([]byte, error) { return s.HashAuthorization(auth, otherAsset) },
	} {
		otherHash, err := h()
		require.NoError(t, err, name)
		assert.NotEqual(t, hash, otherHash, name)
	}
}

func TestAuthorizeKeyFailures(t *testing.T) {
	ks, _ := NewKeystore(testMasterKey)
	s := NewSigner(ks, DomainConfig{ChainID: 84532, Name: "USDC", Version: "2"}, zap.NewNop())

	wallet, _ := newWallet(t, ks)
	wallet.EncryptedKey[len(wallet.EncryptedKey)-1] ^= 0x01
	_, err := s.Authorize(context.Background(), wallet, testRequirement())
	assert.ErrorIs(t, err, domain.ErrKeyDecryptionFailed)

	// Ключ другого кошелька, запечатанный под чужой адрес
	key, _ := crypto.GenerateKey()
	mismatched := "0x00000000000000000000000000000000000000aa"
	blob, _ := ks.Seal(crypto.FromECDSA(key), mismatched)
	_, err = s.Authorize(context.Background(), domain.HotWallet{Address: mismatched, EncryptedKey: blob}, testRequirement())
	assert.ErrorIs(t, err, domain.ErrKeyDecryptionFailed)
}

func TestSignTx(t *testing.T) {
	ks, _ := NewKeystore(testMasterKey)
	wallet, _ := newWallet(t, ks)
	s := NewSigner(ks, DomainConfig{ChainID: 84532}, zap.NewNop())

	to := common.HexToAddress("0x209693Bc6afc0C5328bA36FaF03C514EF312287C")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(84532),
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})

	signed, err := s.SignTx(context.Background(), wallet, tx)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(84532)), signed)
	require.NoError(t, err)
	assert.Equal(t, wallet.Address, from.Hex())
}

func TestZeroKey(t *testing.T) {
	key, _ := crypto.GenerateKey()
	zeroKey(key)
	for _, w := range key.D.Bits() {
		assert.Zero(t, w)
	}

	b := []byte{1, 2, 3}
	zero(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
