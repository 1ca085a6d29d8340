package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBadCallToken signals a hook invocation whose call token did not verify
// against the registry the agreement was bound to.
var ErrBadCallToken = fmt.Errorf("protocol: call token rejected: %w", ErrPrecondition)

// callTokenTTL bounds how long a minted token stays presentable. Hooks run
// synchronously inside the minting operation, so this only has to cover
// clock skew between mint and verify.
const callTokenTTL = 2 * time.Minute

// TokenMinter produces signed call tokens proving a callback originates from
// one specific registry. The Go runtime has no unforgeable caller identity,
// so the registry threads one of these tokens through every callback path.
type TokenMinter struct {
	registryID string
	secret     []byte
}

// NewTokenMinter creates a minter for the given registry identity.
func NewTokenMinter(registryID string, secret []byte) *TokenMinter {
	return &TokenMinter{registryID: registryID, secret: secret}
}

// Mint signs a token scoped to one hook invocation on one asset.
func (m *TokenMinter) Mint(hook string, assetID int64, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"reg":   m.registryID,
		"hook":  hook,
		// Asset ids travel as strings: JSON numbers decode to float64 and
		// would silently round ids past 2^53.
		"asset": strconv.FormatInt(assetID, 10),
		"iat":   now.Unix(),
		"exp":   now.Add(callTokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("protocol: sign call token: %w", err)
	}
	return signed, nil
}

// TokenVerifier is the agreement-side counterpart: it accepts only tokens
// minted by the registry whose identity and secret it was configured with.
type TokenVerifier struct {
	registryID string
	secret     []byte
}

// NewTokenVerifier binds a verifier to one registry identity.
func NewTokenVerifier(registryID string, secret []byte) *TokenVerifier {
	return &TokenVerifier{registryID: registryID, secret: secret}
}

// Verify checks the token was minted by the bound registry for the given
// hook and asset.
func (v *TokenVerifier) Verify(tokenString, hook string, assetID int64) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return errors.Join(ErrBadCallToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrBadCallToken
	}
	if reg, _ := claims["reg"].(string); reg != v.registryID {
		return ErrBadCallToken
	}
	if h, _ := claims["hook"].(string); h != hook {
		return ErrBadCallToken
	}
	if asset, _ := claims["asset"].(string); asset != strconv.FormatInt(assetID, 10) {
		return ErrBadCallToken
	}
	return nil
}
