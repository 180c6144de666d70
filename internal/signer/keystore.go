package signer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/xela07ax/x402-paygate/internal/domain"
	"golang.org/x/crypto/chacha20poly1305"
)

// Keystore шифрует ключи горячих кошельков XChaCha20-Poly1305.
// Адрес кошелька идет в AAD: шифротекст нельзя подложить другому кошельку.
type Keystore struct {
	masterKey []byte
}

// NewKeystore принимает мастер-ключ в hex (32 байта).
func NewKeystore(masterKeyHex string) (*Keystore, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(masterKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("keystore: master key is not hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("keystore: master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Keystore{masterKey: key}, nil
}

// Seal шифрует приватный ключ. Формат: nonce || ciphertext.
func (k *Keystore) Seal(privateKey []byte, address string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.masterKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(privateKey)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keystore: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, privateKey, aad(address)), nil
}

// Open расшифровывает ключ. Вызывающий обязан обнулить результат (см. zero).
// Любая ошибка — ErrKeyDecryptionFailed без подробностей (не даем оракул).
func (k *Keystore) Open(blob []byte, address string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.masterKey)
	if err != nil {
		return nil, domain.ErrKeyDecryptionFailed
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, domain.ErrKeyDecryptionFailed
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad(address))
	if err != nil {
		return nil, domain.ErrKeyDecryptionFailed
	}
	return plain, nil
}

func aad(address string) []byte {
	return []byte(strings.ToLower(address))
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
