package chain

/*
Файл transfer.go — вывод средств с горячего кошелька (ERC-20 transfer).
Порядок: balanceOf -> nonce -> комиссии EIP-1559 -> оценка газа -> подпись -> broadcast.
Хэш транзакции известен до отправки, поэтому при обрыве связи на broadcast
вызывающий все равно получает ссылку для последующей проверки.
*/

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"go.uber.org/zap"
)

const erc20ABI = `[
 {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
 {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// ChainWriter — подмножество ethclient.Client для отправки транзакций.
type ChainWriter interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// TxSigner подписывает транзакцию ключом кошелька (см. signer.Signer).
type TxSigner interface {
	SignTx(ctx context.Context, wallet domain.HotWallet, tx *types.Transaction) (*types.Transaction, error)
	ChainID() *big.Int
}

type Transferor struct {
	client ChainWriter
	signer TxSigner
	token  common.Address
	abi    abi.ABI
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

func NewTransferor(client ChainWriter, signer TxSigner, token string, logger *zap.Logger) (*Transferor, error) {
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid token address %q", token)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &Transferor{
		client: client,
		signer: signer,
		token:  common.HexToAddress(token),
		abi:    parsed,
		cb:     gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "chain-send"}),
		logger: logger.Named("transferor"),
	}, nil
}

// BalanceOf возвращает баланс токена в атомарных единицах.
func (t *Transferor) BalanceOf(ctx context.Context, owner string) (*big.Int, error) {
	data, err := t.abi.Pack("balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	res, err := t.cb.Execute(func() (interface{}, error) {
		return t.client.CallContract(ctx, ethereum.CallMsg{To: &t.token, Data: data}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf: %v", domain.ErrNetworkTimeout, err)
	}
	out, err := t.abi.Unpack("balanceOf", res.([]byte))
	if err != nil || len(out) != 1 {
		return nil, fmt.Errorf("%w: decode balanceOf", domain.ErrSettlementRejected)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: decode balanceOf", domain.ErrSettlementRejected)
	}
	return bal, nil
}

// Transfer переводит amount токенов на адрес to. Возвращает хэш транзакции.
// Ошибка с непустым хэшем означает, что транзакция могла уйти в сеть (ErrOutcomeUnknown).
func (t *Transferor) Transfer(ctx context.Context, wallet domain.HotWallet, to string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: invalid destination %q", domain.ErrMalformedRequirements, to)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", domain.ErrMalformedRequirements)
	}
	from := common.HexToAddress(wallet.Address)

	bal, err := t.BalanceOf(ctx, wallet.Address)
	if err != nil {
		return "", err
	}
	if bal.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: balance %s < %s", domain.ErrInsufficientFunds, bal, amount)
	}

	data, err := t.abi.Pack("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return "", err
	}

	nonce, err := t.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("%w: nonce: %v", domain.ErrNetworkTimeout, err)
	}
	tip, err := t.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas tip: %v", domain.ErrNetworkTimeout, err)
	}
	head, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: head: %v", domain.ErrNetworkTimeout, err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas, err := t.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &t.token, Data: data})
	if err != nil {
		return "", fmt.Errorf("%w: estimate gas: %v", domain.ErrSettlementRejected, err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &t.token,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := t.signer.SignTx(ctx, wallet, tx)
	if err != nil {
		return "", err
	}
	hash := signed.Hash().Hex()

	// Точка невозврата: дальше транзакция может оказаться в мемпуле
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			// Нода ответила отказом — транзакция не принята
			if strings.Contains(strings.ToLower(rpcErr.Error()), "insufficient funds") {
				return "", fmt.Errorf("%w: %v", domain.ErrInsufficientFunds, err)
			}
			return "", fmt.Errorf("%w: %v", domain.ErrSettlementRejected, err)
		}
		t.logger.Warn("withdrawal broadcast outcome unknown", zap.String("tx", hash), zap.Error(err))
		return hash, fmt.Errorf("%w: %v", domain.ErrOutcomeUnknown, err)
	}

	t.logger.Info("withdrawal broadcast",
		zap.String("tx", hash),
		zap.String("from", wallet.Address),
		zap.String("to", to),
		zap.String("amount", amount.String()))
	return hash, nil
}
