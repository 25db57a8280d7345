package backend

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignOperation produces the device signature for one operation: an HS256
// JWS over the operation identity, keyed with the pairing signing secret.
// The backend verifies it to reject operations injected by anything other
// than the paired terminal.
func SignOperation(secret, opID, kind, terminalID string, issuedAt time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("backend: sign operation: empty signing secret")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"op_id":       opID,
		"kind":        kind,
		"terminal_id": terminalID,
		"iat":         issuedAt.Unix(),
	})

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("backend: sign operation %s: %w", opID, err)
	}

	return signed, nil
}

// VerifyOperationSignature checks a device signature against the signing
// secret and returns its claims. The server side owns verification in
// production; this exists for pairing self-tests and the test suite.
func VerifyOperationSignature(secret, signature string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}

	_, err := jwt.ParseWithClaims(signature, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}

		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("backend: verify signature: %w", err)
	}

	return claims, nil
}
