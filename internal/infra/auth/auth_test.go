package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/x402-paygate/internal/domain"
	"go.uber.org/zap"
)

func issue(t *testing.T, key *rsa.PrivateKey, method jwt.SigningMethod, claims domain.CustomClaims) string {
	t.Helper()
	var signKey interface{} = key
	if method == jwt.SigningMethodHS256 {
		signKey = []byte("shared")
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString(signKey)
	require.NoError(t, err)
	return s
}

func TestMiddleware(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pub, err := ParseRSAPublicKey(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	require.NoError(t, err)

	var got domain.Caller
	h := NewMiddleware(NewBaseValidator(pub), zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := CallerFrom(r.Context())
		require.True(t, ok)
		got = c
	}))

	valid := domain.CustomClaims{
		UserID:        "user-1",
		WalletAddress: "0xabc",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	anonymous := valid
	anonymous.UserID = ""

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"Valid", "Bearer " + issue(t, key, jwt.SigningMethodRS256, valid), http.StatusOK},
		{"Missing", "", http.StatusUnauthorized},
		{"Expired", "Bearer " + issue(t, key, jwt.SigningMethodRS256, expired), http.StatusUnauthorized},
		{"NoUser", "Bearer " + issue(t, key, jwt.SigningMethodRS256, anonymous), http.StatusUnauthorized},
		{"WrongAlgorithm", "Bearer " + issue(t, key, jwt.SigningMethodHS256, valid), http.StatusUnauthorized},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if c.header != "" {
				req.Header.Set("Authorization", c.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, c.status, rec.Code)
		})
	}
	assert.Equal(t, domain.Caller{UserID: "user-1", WalletAddress: "0xabc"}, got)
}
