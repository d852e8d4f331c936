package commerce

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingProduct signals a signed transaction without a product identifier.
	ErrMissingProduct = errors.New("commerce: signed transaction has no product id")
	// ErrNoTrustedKey signals a verifier constructed without a public key.
	ErrNoTrustedKey = errors.New("commerce: no trusted signing key")
)

// TransactionClaims is the JWS payload of a signed transaction. Dates are
// unix milliseconds.
type TransactionClaims struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	RevocationDate        *int64 `json:"revocationDate,omitempty"`
	AppAccountToken       string `json:"appAccountToken,omitempty"`
	Environment           string `json:"environment"`
	jwt.RegisteredClaims
}

// NewTransactionClaims builds the signed payload for tx.
func NewTransactionClaims(tx Transaction) TransactionClaims {
	claims := TransactionClaims{
		TransactionID:         tx.ID,
		OriginalTransactionID: tx.OriginalID,
		ProductID:             tx.ProductID,
		PurchaseDate:          tx.PurchaseDate.UnixMilli(),
		AppAccountToken:       tx.AppAccountToken,
		Environment:           tx.Environment,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(tx.PurchaseDate),
		},
	}
	if tx.RevocationDate != nil {
		ms := tx.RevocationDate.UnixMilli()
		claims.RevocationDate = &ms
	}
	return claims
}

// Transaction converts the claims back into the domain transaction.
func (c TransactionClaims) Transaction() Transaction {
	tx := Transaction{
		ID:              c.TransactionID,
		OriginalID:      c.OriginalTransactionID,
		ProductID:       c.ProductID,
		PurchaseDate:    time.UnixMilli(c.PurchaseDate).UTC(),
		AppAccountToken: c.AppAccountToken,
		Environment:     c.Environment,
	}
	if c.RevocationDate != nil {
		revoked := time.UnixMilli(*c.RevocationDate).UTC()
		tx.RevocationDate = &revoked
	}
	return tx
}

// SignTransaction produces an ES256 compact JWS for tx.
func SignTransaction(key *ecdsa.PrivateKey, tx Transaction) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, NewTransactionClaims(tx))
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("commerce: sign transaction: %w", err)
	}
	return signed, nil
}

// Verifier checks signed transactions against the platform's public key.
type Verifier struct {
	key *ecdsa.PublicKey
}

// NewVerifier creates a verifier trusting key.
func NewVerifier(key *ecdsa.PublicKey) *Verifier {
	return &Verifier{key: key}
}

// Verify parses signed and returns its envelope. A failed check still decodes
// the payload when possible so callers can log what was rejected.
func (v *Verifier) Verify(signed string) Envelope {
	var claims TransactionClaims
	_, err := jwt.ParseWithClaims(signed, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if v.key == nil {
			return nil, ErrNoTrustedKey
		}
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	if err == nil && claims.ProductID == "" {
		err = ErrMissingProduct
	}
	if err != nil {
		var unverified TransactionClaims
		if _, _, perr := jwt.NewParser().ParseUnverified(signed, &unverified); perr == nil {
			claims = unverified
		}
		return Envelope{
			Transaction: claims.Transaction(),
			SignedData:  signed,
			Err:         fmt.Errorf("commerce: verify transaction: %w", err),
		}
	}

	return Envelope{
		Transaction: claims.Transaction(),
		SignedData:  signed,
	}
}
