package fleet

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
)

// deviceClaims is the payload of a device token
type deviceClaims struct {
	DeviceID string `json:"deviceId"`
	jwt.Claims
}

// signingKey picks the algorithm from the key material. A PEM-encoded RSA,
// EC or Ed25519 private key signs asymmetrically; anything else is used as an
// HMAC secret.
func signingKey(privateKey string) (jose.SigningKey, error) {
	block, _ := pem.Decode([]byte(privateKey))
	if block == nil {
		return jose.SigningKey{Algorithm: jose.HS256, Key: []byte(privateKey)}, nil
	}

	key, err := parsePrivateKey(block)
	if err != nil {
		return jose.SigningKey{}, err
	}

	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.SigningKey{Algorithm: jose.RS256, Key: k}, nil
	case *ecdsa.PrivateKey:
		return jose.SigningKey{Algorithm: jose.ES256, Key: k}, nil
	case ed25519.PrivateKey:
		return jose.SigningKey{Algorithm: jose.EdDSA, Key: k}, nil
	default:
		return jose.SigningKey{}, fmt.Errorf("unsupported private key type %T", key)
	}
}

func parsePrivateKey(block *pem.Block) (interface{}, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		return key, nil
	}
}

// createToken issues a short-lived token for deviceID
func createToken(deviceID, privateKey string, ttl time.Duration, now time.Time) (string, error) {
	key, err := signingKey(privateKey)
	if err != nil {
		return "", err
	}

	signer, err := jose.NewSigner(key, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	claims := deviceClaims{
		DeviceID: deviceID,
		Claims: jwt.Claims{
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, nil
}
