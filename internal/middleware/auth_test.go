package middleware

import (
	"crypto/ecdsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWallet(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// personalSign signs like a browser wallet, with V in {27, 28}.
func personalSign(t *testing.T, key *ecdsa.PrivateKey, message string) []byte {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	return sig
}

func guarded(a *WalletAuth) http.Handler {
	r := mux.NewRouter()
	s := r.PathPrefix("/v1/sessions/{address}").Subrouter()
	s.Use(a.RequireAddress)
	s.HandleFunc("", func(w http.ResponseWriter, r *http.Request) {
		addr, ok := AuthenticatedAddress(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("X-Wallet", addr.Hex())
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)
	return r
}

func call(h http.Handler, addr, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+addr, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestWalletLoginIssuesTokenForSigner(t *testing.T) {
	a := NewWalletAuth("test-secret", time.Hour, nil)
	key, addr := newWallet(t)

	c := a.Challenge(addr)
	assert.Contains(t, c.Message, addr.Hex())
	assert.Contains(t, c.Message, c.Nonce)

	token, expires, err := a.Login(addr, personalSign(t, key, c.Message))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	rr := call(guarded(a), addr.Hex(), token)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, addr.Hex(), rr.Header().Get("X-Wallet"))
}

func TestWalletLoginRejectsOtherSigner(t *testing.T) {
	a := NewWalletAuth("test-secret", time.Hour, nil)
	_, victim := newWallet(t)
	attacker, _ := newWallet(t)

	c := a.Challenge(victim)
	_, _, err := a.Login(victim, personalSign(t, attacker, c.Message))
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestWalletLoginChallengeIsSingleUse(t *testing.T) {
	a := NewWalletAuth("test-secret", time.Hour, nil)
	key, addr := newWallet(t)

	c := a.Challenge(addr)
	sig := personalSign(t, key, c.Message)
	_, _, err := a.Login(addr, sig)
	require.NoError(t, err)

	_, _, err = a.Login(addr, sig)
	assert.ErrorIs(t, err, ErrNonceNotFound, "replayed signature")
}

func TestWalletLoginChallengeExpires(t *testing.T) {
	a := NewWalletAuth("test-secret", time.Hour, nil)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }
	key, addr := newWallet(t)

	c := a.Challenge(addr)
	now = now.Add(DefaultNonceTTL + time.Second)
	_, _, err := a.Login(addr, personalSign(t, key, c.Message))
	assert.ErrorIs(t, err, ErrNonceNotFound)
}

func TestRecoverSignerRejectsMalformedSignature(t *testing.T) {
	_, err := RecoverSigner("hello", []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestRequireAddressEnforcesPathAddress(t *testing.T) {
	a := NewWalletAuth("test-secret", time.Hour, nil)
	_, owner := newWallet(t)
	_, other := newWallet(t)
	token, _, err := a.Issue(owner)
	require.NoError(t, err)
	h := guarded(a)

	assert.Equal(t, http.StatusUnauthorized, call(h, owner.Hex(), "").Code, "missing token")
	assert.Equal(t, http.StatusBadRequest, call(h, "not-an-address", token).Code)
	assert.Equal(t, http.StatusForbidden, call(h, other.Hex(), token).Code, "token for another wallet")
	assert.Equal(t, http.StatusNoContent, call(h, owner.Hex(), token).Code)

	forged, _, err := NewWalletAuth("other-secret", time.Hour, nil).Issue(owner)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(h, owner.Hex(), forged).Code, "wrong signing key")
}

func TestRequireAddressRejectsExpiredAndUnsignedTokens(t *testing.T) {
	a := NewWalletAuth("test-secret", time.Hour, nil)
	_, owner := newWallet(t)
	h := guarded(a)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Address: owner.Hex(),
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(-time.Minute).Unix(),
		},
	})
	signed, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(h, owner.Hex(), signed).Code)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Address: owner.Hex()})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(h, owner.Hex(), unsigned).Code)
}

func TestBearerTokenFromWebsocketQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/0xa/purchases/stream?access_token=abc", nil)
	_, ok := bearerToken(req)
	assert.False(t, ok, "query tokens are only accepted on websocket upgrades")

	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	token, ok := bearerToken(req)
	require.True(t, ok)
	assert.Equal(t, "abc", token)

	req.Header.Set("Authorization", "Bearer header-token")
	token, _ = bearerToken(req)
	assert.Equal(t, "header-token", token)
}
