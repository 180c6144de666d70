package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims — идентичность, выпущенная внешним сервисом сессий.
// Движок ей доверяет, но сам не аутентифицирует.
type CustomClaims struct {
	UserID        string `json:"user_id"`
	WalletAddress string `json:"wallet"`
	jwt.RegisteredClaims
}

// Caller — пользователь, от имени которого агент совершает оплату.
type Caller struct {
	UserID        string
	WalletAddress string
}

// HotWallet — кастодиальный кошелек пользователя.
// Расшифрованный ключ нигде не хранится и не логируется.
type HotWallet struct {
	UserID       string `json:"user_id"`
	Address      string `json:"address"`
	EncryptedKey []byte `json:"-"`
	Frozen       bool   `json:"frozen"`
}
