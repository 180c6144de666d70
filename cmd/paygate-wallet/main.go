package main

/*
paygate-wallet — выдача горячего кошелька пользователю.
Генерирует ключ (или импортирует существующий), шифрует мастер-ключом
и сохраняет в hot_wallets. Опционально задает политику по умолчанию.

	paygate-wallet -user 42 [-import-key <hex>] [-per-request 5 -daily 20 -approve-above 2]
*/

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/domain"
	"github.com/xela07ax/x402-paygate/internal/infra"
	"github.com/xela07ax/x402-paygate/internal/repository/postgres"
	"github.com/xela07ax/x402-paygate/internal/signer"
)

func main() {
	userID := flag.String("user", "", "user id that owns the wallet")
	importKey := flag.String("import-key", "", "hex private key to import instead of generating one")
	perRequest := flag.String("per-request", "", "per-request limit for the default policy")
	daily := flag.String("daily", "", "daily limit for the default policy")
	approveAbove := flag.String("approve-above", "", "manual approval threshold for the default policy")
	flag.Parse()

	if *userID == "" {
		log.Fatal("-user is required")
	}

	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Database.Driver != "postgres" {
		log.Fatal("wallet provisioning requires database.driver=postgres")
	}
	logger, err := infra.NewLogger(cfg.Logger, "paygate-wallet")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := postgres.NewStore(ctx, postgres.Options{URL: cfg.Database.URL, MaxConns: 2}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer store.Close()

	ks, err := signer.NewKeystore(cfg.Keystore.MasterKey)
	if err != nil {
		logger.Fatal("keystore", zap.Error(err))
	}

	key, err := crypto.GenerateKey()
	if *importKey != "" {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(*importKey, "0x"))
	}
	if err != nil {
		logger.Fatal("private key", zap.Error(err))
	}

	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	raw := crypto.FromECDSA(key)
	blob, err := ks.Seal(raw, address)
	for i := range raw {
		raw[i] = 0
	}
	if err != nil {
		logger.Fatal("seal key", zap.Error(err))
	}

	if err := store.SaveWallet(ctx, &domain.HotWallet{UserID: *userID, Address: address, EncryptedKey: blob}); err != nil {
		logger.Fatal("save wallet", zap.Error(err))
	}
	logger.Info("hot wallet provisioned", zap.String("user_id", *userID), zap.String("address", address))

	if *perRequest != "" || *daily != "" || *approveAbove != "" {
		p := &domain.SpendingPolicy{
			UserID:               *userID,
			Endpoint:             domain.WildcardEndpoint,
			PerRequestLimit:      mustDecimal(*perRequest),
			DailyLimit:           mustDecimal(*daily),
			RequireApprovalAbove: mustDecimal(*approveAbove),
			UpdatedAt:            time.Now(),
		}
		if err := p.Validate(); err != nil {
			logger.Fatal("policy", zap.Error(err))
		}
		if err := store.UpsertPolicy(ctx, p); err != nil {
			logger.Fatal("save policy", zap.Error(err))
		}
		logger.Info("default spending policy saved", zap.String("user_id", *userID))
	}

	fmt.Println(address)
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("invalid amount %q: %v", s, err)
	}
	return d
}
