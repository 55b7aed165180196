package middleware

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/course_market/internal/logging"
)

const (
	// DefaultTokenTTL is how long a wallet session token stays valid.
	DefaultTokenTTL = 12 * time.Hour
	// DefaultNonceTTL is how long a login challenge can be signed.
	DefaultNonceTTL = 5 * time.Minute

	tokenIssuer = "marketd"
)

var (
	// ErrNonceNotFound is returned when no unexpired challenge exists for the address.
	ErrNonceNotFound = errors.New("login challenge not found or expired")
	// ErrSignatureMismatch is returned when the signature does not recover to the address.
	ErrSignatureMismatch = errors.New("signature does not match address")
	// ErrInvalidToken is returned for missing, malformed or expired bearer tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims are the JWT claims of a wallet session token.
type Claims struct {
	Address string `json:"address"`
	jwt.StandardClaims
}

// Challenge is the message a wallet signs with personal_sign to log in.
type Challenge struct {
	Address   common.Address `json:"address"`
	Nonce     string         `json:"nonce"`
	Message   string         `json:"message"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

type addressKey struct{}

// WalletAuth issues login challenges, verifies signed challenges and guards
// per-address routes with HS256 tokens.
type WalletAuth struct {
	secret   []byte
	tokenTTL time.Duration
	nonceTTL time.Duration
	logger   *logging.Logger
	now      func() time.Time

	mu         sync.Mutex
	challenges map[common.Address]Challenge
}

// NewWalletAuth creates the authenticator. An empty secret is replaced by a
// random one, so tokens do not survive a restart.
func NewWalletAuth(secret string, tokenTTL time.Duration, logger *logging.Logger) *WalletAuth {
	logger = logging.OrDiscard(logger).WithComponent("auth")
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("generate token secret: %v", err))
		}
		logger.Warn("MARKET_JWT_SECRET not set, using an ephemeral token secret")
	}
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &WalletAuth{
		secret:     key,
		tokenTTL:   tokenTTL,
		nonceTTL:   DefaultNonceTTL,
		logger:     logger,
		now:        time.Now,
		challenges: make(map[common.Address]Challenge),
	}
}

// LoginMessage is the text signed by the wallet for nonce.
func LoginMessage(addr common.Address, nonce string) string {
	return fmt.Sprintf("Sign in to the course marketplace.\n\nAddress: %s\nNonce: %s", addr.Hex(), nonce)
}

// Challenge issues a fresh single-use login challenge for addr, replacing any
// earlier one.
func (a *WalletAuth) Challenge(addr common.Address) Challenge {
	now := a.now()
	nonce := uuid.NewString()
	c := Challenge{
		Address:   addr,
		Nonce:     nonce,
		Message:   LoginMessage(addr, nonce),
		ExpiresAt: now.Add(a.nonceTTL).UTC(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for k, old := range a.challenges {
		if now.After(old.ExpiresAt) {
			delete(a.challenges, k)
		}
	}
	a.challenges[addr] = c
	return c
}

// Login verifies an EIP-191 signature over the outstanding challenge of addr
// and returns a session token. The challenge is consumed either way.
func (a *WalletAuth) Login(addr common.Address, signature []byte) (string, time.Time, error) {
	a.mu.Lock()
	c, ok := a.challenges[addr]
	delete(a.challenges, addr)
	a.mu.Unlock()
	now := a.now()
	if !ok || now.After(c.ExpiresAt) {
		return "", time.Time{}, ErrNonceNotFound
	}

	signer, err := RecoverSigner(c.Message, signature)
	if err != nil {
		return "", time.Time{}, err
	}
	if signer != addr {
		a.logger.LogSecurityEvent(context.Background(), "wallet_login_mismatch", map[string]interface{}{
			"address": addr.Hex(),
			"signer":  signer.Hex(),
		})
		return "", time.Time{}, ErrSignatureMismatch
	}
	return a.Issue(addr)
}

// Issue signs a session token for addr.
func (a *WalletAuth) Issue(addr common.Address) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.tokenTTL)
	claims := Claims{
		Address: addr.Hex(),
		StandardClaims: jwt.StandardClaims{
			Subject:   addr.Hex(),
			Issuer:    tokenIssuer,
			IssuedAt:  now.Unix(),
			ExpiresAt: expires.Unix(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires.UTC(), nil
}

// RecoverSigner returns the address that produced a personal_sign signature over message.
func RecoverSigner(message string, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: signature must be %d bytes", ErrSignatureMismatch, crypto.SignatureLength)
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	// Wallets return V as 27/28.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// RequireAddress rejects requests whose bearer token was not issued for the
// {address} path variable. Browsers cannot set headers on websocket upgrades,
// so those may pass the token as the access_token query parameter.
func (a *WalletAuth) RequireAddress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := mux.Vars(r)["address"]
		if !common.IsHexAddress(raw) {
			writeJSONError(w, http.StatusBadRequest, "invalid_address", fmt.Sprintf("invalid address %q", raw))
			return
		}

		tokenString, ok := bearerToken(r)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := a.validate(tokenString)
		if err != nil {
			a.logger.WithContext(r.Context()).WithError(err).Debug("token validation failed")
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", ErrInvalidToken.Error())
			return
		}

		if common.HexToAddress(raw) != common.HexToAddress(claims.Address) {
			a.logger.LogSecurityEvent(r.Context(), "wallet_address_mismatch", map[string]interface{}{
				"token_address": claims.Address,
				"path":          r.URL.Path,
			})
			writeJSONError(w, http.StatusForbidden, "forbidden", "token does not belong to this address")
			return
		}

		ctx := context.WithValue(r.Context(), addressKey{}, common.HexToAddress(claims.Address))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" && parts[1] != "" {
		return parts[1], true
	}
	if websocket.IsWebSocketUpgrade(r) {
		if t := r.URL.Query().Get("access_token"); t != "" {
			return t, true
		}
	}
	return "", false
}

func (a *WalletAuth) validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || !common.IsHexAddress(claims.Address) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// AuthenticatedAddress returns the wallet address proven by the request token.
func AuthenticatedAddress(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(addressKey{}).(common.Address)
	return addr, ok
}
