package chain

/*
Файл verifier.go — read-only проверка расчета в сети.
"Не найдено" — нормальный исход (транзакция еще не проиндексирована), а не ошибка.
Леджер verifier не трогает никогда.
ResolveAuthorization ищет расчет без ссылки: по событию AuthorizationUsed(payer, nonce) на контракте токена.
*/

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"go.uber.org/zap"
)

var ErrInvalidReference = errors.New("invalid settlement reference")

// ChainReader — подмножество ethclient.Client, нужное для проверки.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

const (
	// сколько ссылок помнит счетчик подтверждений
	highWaterCapacity = 4096
	// глубина поиска AuthorizationUsed от головы цепи
	authLookbackBlocks = 10_000
)

// topic0 события EIP-3009 AuthorizationUsed(address indexed authorizer, bytes32 indexed nonce)
var authorizationUsedTopic = crypto.Keccak256Hash([]byte("AuthorizationUsed(address,bytes32)"))

type VerificationState string

const (
	StateConfirmed   VerificationState = "confirmed"
	StateUnconfirmed VerificationState = "unconfirmed"
	StateNotFound    VerificationState = "not_found"
	StateFailed      VerificationState = "failed" // транзакция в блоке, но откатилась
)

type Verification struct {
	Reference     string            `json:"reference"`
	State         VerificationState `json:"state"`
	Confirmations uint64            `json:"confirmations"`
	BlockNumber   uint64            `json:"block_number,omitempty"`
}

type Verifier struct {
	client           ChainReader
	minConfirmations uint64
	timeout          time.Duration
	cb               *gobreaker.CircuitBreaker
	logger           *zap.Logger

	// максимум подтверждений, уже отданный по ссылке: счетчик не убывает
	mu        sync.Mutex
	highWater lru.BasicLRU[string, uint64]
}

func NewVerifier(client ChainReader, minConfirmations uint64, timeout time.Duration, logger *zap.Logger) *Verifier {
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Verifier{
		client:           client,
		minConfirmations: minConfirmations,
		timeout:          timeout,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "chain-rpc",
			Timeout: 30 * time.Second,
			// NotFound — ответ ноды, а не сбой
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ethereum.NotFound)
			},
		}),
		logger:    logger.Named("verifier"),
		highWater: lru.NewBasicLRU[string, uint64](highWaterCapacity),
	}
}

// Verify идемпотентен: повторные вызовы не меняют состояние и не уменьшают счетчик.
func (v *Verifier) Verify(ctx context.Context, ref string) (*Verification, error) {
	if len(common.FromHex(ref)) != common.HashLength || !has0x(ref) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	hash := common.HexToHash(ref)
	out := &Verification{Reference: hash.Hex()}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	res, err := v.cb.Execute(func() (interface{}, error) {
		return v.client.TransactionReceipt(ctx, hash)
	})
	if errors.Is(err, ethereum.NotFound) {
		out.State = StateNotFound
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: receipt %s: %v", domain.ErrNetworkTimeout, hash.Hex(), err)
	}
	receipt := res.(*types.Receipt)
	if receipt == nil || receipt.BlockNumber == nil {
		out.State = StateNotFound
		return out, nil
	}

	headRes, err := v.cb.Execute(func() (interface{}, error) {
		return v.client.BlockNumber(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: block number: %v", domain.ErrNetworkTimeout, err)
	}
	head := new(big.Int).SetUint64(headRes.(uint64))

	out.BlockNumber = receipt.BlockNumber.Uint64()
	if head.Cmp(receipt.BlockNumber) >= 0 {
		out.Confirmations = new(big.Int).Sub(head, receipt.BlockNumber).Uint64() + 1
	}
	out.Confirmations = v.raise(out.Reference, out.Confirmations)

	switch {
	case receipt.Status != types.ReceiptStatusSuccessful:
		out.State = StateFailed
	case out.Confirmations >= v.minConfirmations:
		out.State = StateConfirmed
	default:
		out.State = StateUnconfirmed
	}

	v.logger.Debug("settlement verified",
		zap.String("ref", out.Reference),
		zap.String("state", string(out.State)),
		zap.Uint64("confirmations", out.Confirmations))
	return out, nil
}

func (v *Verifier) raise(ref string, seen uint64) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if hw, ok := v.highWater.Get(ref); ok && hw > seen {
		return hw
	}
	v.highWater.Add(ref, seen)
	return seen
}

// ResolveAuthorization возвращает хэш транзакции, израсходовавшей авторизацию.
// Пустая строка без ошибки: авторизация в сети еще не использована.
func (v *Verifier) ResolveAuthorization(ctx context.Context, auth domain.AuthorizationRef) (string, error) {
	if !common.IsHexAddress(auth.Asset) || !common.IsHexAddress(auth.Payer) {
		return "", fmt.Errorf("%w: authorization %s/%s", ErrInvalidReference, auth.Asset, auth.Payer)
	}
	if len(common.FromHex(auth.Nonce)) != common.HashLength || !has0x(auth.Nonce) {
		return "", fmt.Errorf("%w: nonce %q", ErrInvalidReference, auth.Nonce)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	headRes, err := v.cb.Execute(func() (interface{}, error) {
		return v.client.BlockNumber(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("%w: block number: %v", domain.ErrNetworkTimeout, err)
	}
	head := headRes.(uint64)
	var from uint64
	if head > authLookbackBlocks {
		from = head - authLookbackBlocks
	}

	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{common.HexToAddress(auth.Asset)},
		Topics: [][]common.Hash{
			{authorizationUsedTopic},
			{common.BytesToHash(common.HexToAddress(auth.Payer).Bytes())},
			{common.HexToHash(auth.Nonce)},
		},
	}
	res, err := v.cb.Execute(func() (interface{}, error) {
		return v.client.FilterLogs(ctx, q)
	})
	if err != nil {
		return "", fmt.Errorf("%w: filter logs: %v", domain.ErrNetworkTimeout, err)
	}
	for _, l := range res.([]types.Log) {
		if l.Removed {
			continue
		}
		v.logger.Info("authorization resolved on chain",
			zap.String("payer", auth.Payer),
			zap.String("nonce", auth.Nonce),
			zap.String("ref", l.TxHash.Hex()))
		return l.TxHash.Hex(), nil
	}
	return "", nil
}

func has0x(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}
