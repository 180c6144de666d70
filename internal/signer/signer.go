package signer

/*
Файл signer.go формирует типизированную (EIP-712) авторизацию платежа по схеме
EIP-3009 TransferWithAuthorization.

Ключ живет только внутри withKey: расшифровка -> подпись -> обнуление на любом выходе.
Авторизация одноразовая: случайный nonce, конкретные payTo/value/validBefore одного требования.
*/

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/x402"
	"go.uber.org/zap"
)

const (
	// validAfter сдвигаем назад, чтобы пережить расхождение часов с сетью
	clockSkew = 600 * time.Second
	// если в требовании нет дедлайна
	defaultValidity = 60 * time.Second
)

// DomainConfig — параметры EIP-712 домена токена по умолчанию (если сервер не прислал extra).
type DomainConfig struct {
	ChainID int64
	Network string
	Name    string
	Version string
}

type Signer struct {
	keystore *Keystore
	domain   DomainConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewSigner(ks *Keystore, dc DomainConfig, logger *zap.Logger) *Signer {
	return &Signer{
		keystore: ks,
		domain:   dc,
		logger:   logger.Named("signer"),
		now:      time.Now,
	}
}

// ChainID возвращает id сети, в которой подписываются транзакции.
func (s *Signer) ChainID() *big.Int {
	return big.NewInt(s.domain.ChainID)
}

// Authorize подписывает авторизацию перевода ровно под одно требование.
func (s *Signer) Authorize(ctx context.Context, wallet domain.HotWallet, req domain.PaymentRequirement) (x402.PaymentPayload, error) {
	if err := ctx.Err(); err != nil {
		return x402.PaymentPayload{}, err
	}

	value, err := x402.AtomicAmount(req)
	if err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("%w: %v", domain.ErrUnsupportedRequirement, err)
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return x402.PaymentPayload{}, fmt.Errorf("signer: nonce: %w", err)
	}

	validity := defaultValidity
	if req.MaxTimeoutSeconds > 0 {
		validity = time.Duration(req.MaxTimeoutSeconds) * time.Second
	}
	now := s.now()

	auth := x402.Authorization{
		From:        wallet.Address,
		To:          req.PayTo,
		Value:       value.String(),
		ValidAfter:  strconv.FormatInt(now.Add(-clockSkew).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(validity).Unix(), 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	hash, err := s.HashAuthorization(auth, req)
	if err != nil {
		return x402.PaymentPayload{}, err
	}

	var sig []byte
	err = s.withKey(wallet, func(key *ecdsa.PrivateKey) error {
		var signErr error
		sig, signErr = crypto.Sign(hash, key)
		return signErr
	})
	if err != nil {
		return x402.PaymentPayload{}, err
	}
	// Ethereum-совместимый recovery id
	sig[crypto.RecoveryIDOffset] += 27

	s.logger.Debug("payment authorization signed",
		zap.String("wallet", wallet.Address),
		zap.String("pay_to", req.PayTo),
		zap.String("value", auth.Value))

	return x402.PaymentPayload{
		X402Version: x402.Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: x402.ExactPayload{
			Signature:     hexutil.Encode(sig),
			Authorization: auth,
		},
	}, nil
}

// HashAuthorization — EIP-712 хэш TransferWithAuthorization в домене токена требования.
func (s *Signer) HashAuthorization(auth x402.Authorization, req domain.PaymentRequirement) ([]byte, error) {
	name, version := req.Extra.Name, req.Extra.Version
	if name == "" {
		name = s.domain.Name
	}
	if version == "" {
		version = s.domain.Version
	}

	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           math.NewHexOrDecimal256(s.domain.ChainID),
			VerifyingContract: req.Asset,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("signer: typed data hash: %w", err)
	}
	return hash, nil
}

// SignTx подписывает EVM-транзакцию (вывод средств) ключом горячего кошелька.
func (s *Signer) SignTx(ctx context.Context, wallet domain.HotWallet, tx *types.Transaction) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var signed *types.Transaction
	err := s.withKey(wallet, func(key *ecdsa.PrivateKey) error {
		var signErr error
		signed, signErr = types.SignTx(tx, types.LatestSignerForChainID(s.ChainID()), key)
		return signErr
	})
	return signed, err
}

// withKey — единственное место, где существует расшифрованный ключ.
func (s *Signer) withKey(wallet domain.HotWallet, fn func(key *ecdsa.PrivateKey) error) error {
	raw, err := s.keystore.Open(wallet.EncryptedKey, wallet.Address)
	if err != nil {
		s.logger.Error("hot wallet key decryption failed", zap.String("wallet", wallet.Address))
		return domain.ErrKeyDecryptionFailed
	}
	defer zero(raw)

	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return domain.ErrKeyDecryptionFailed
	}
	defer zeroKey(key)

	// Ключ должен соответствовать адресу кошелька
	if !strings.EqualFold(crypto.PubkeyToAddress(key.PublicKey).Hex(), wallet.Address) {
		s.logger.Error("hot wallet key does not match address", zap.String("wallet", wallet.Address))
		return domain.ErrKeyDecryptionFailed
	}

	return fn(key)
}

func zeroKey(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	words := key.D.Bits()
	for i := range words {
		words[i] = 0
	}
}
