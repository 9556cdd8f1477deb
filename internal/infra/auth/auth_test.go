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
	"go.uber.org/zap"
)

func sign(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return tok
}

func operatorClaims(exp time.Time) Claims {
	return Claims{
		Scopes: []string{"fleet.admin"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops@example.com",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

func TestMiddleware(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var seen string
	h := NewMiddleware(NewValidator(&key.PublicKey), zap.NewNop())(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = Subject(r.Context())
		}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"foreign key", "Bearer " + sign(t, other, operatorClaims(time.Now().Add(time.Hour))), http.StatusUnauthorized},
		{"expired", "Bearer " + sign(t, key, operatorClaims(time.Now().Add(-time.Minute))), http.StatusUnauthorized},
		{"valid", "Bearer " + sign(t, key, operatorClaims(time.Now().Add(time.Hour))), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "ops@example.com", seen)
			}
		})
	}
}

func TestValidatorFromPEM(t *testing.T) {
	v, err := ValidatorFromPEM(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = ValidatorFromPEM([]byte("not a key"))
	assert.Error(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	v, err = ValidatorFromPEM(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	require.NoError(t, err)
	claims, err := v.VerifyToken(sign(t, key, operatorClaims(time.Now().Add(time.Hour))))
	require.NoError(t, err)
	assert.Equal(t, []string{"fleet.admin"}, claims.Scopes)
	assert.Equal(t, "ops@example.com", claims.Subject)
}
