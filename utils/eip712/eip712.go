// Package eip712 builds and verifies the typed PaymentAuthorization payload a
// user signs to grant the backend a typed session. The domain is fixed and
// versioned; changing it invalidates every outstanding signature.
package eip712

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/derek2403/dhal-way/types"
	"github.com/derek2403/dhal-way/utils"
)

// The fixed signing domain. ChainID pins the domain to one chain even though
// the authorization spans several; it is a domain separator, not an
// execution target.
const (
	DomainName    = "Dhalway Payment Protocol"
	DomainVersion = "1"
	DomainChainID = 84532
)

// TypedData renders a PaymentAuthorization as EIP-712 typed data under the
// fixed domain.
func TypedData(auth types.PaymentAuthorization) apitypes.TypedData {
	payments := make([]interface{}, 0, len(auth.Payments))
	for _, p := range auth.Payments {
		payments = append(payments, map[string]interface{}{
			"chainKey":     p.ChainKey,
			"tokenAddress": p.TokenAddress,
			"tokenName":    p.TokenName,
			"amount":       p.Amount,
			"treasury":     p.Treasury,
		})
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"PaymentItem": {
				{Name: "chainKey", Type: "string"},
				{Name: "tokenAddress", Type: "address"},
				{Name: "tokenName", Type: "string"},
				{Name: "amount", Type: "string"},
				{Name: "treasury", Type: "address"},
			},
			"PaymentAuthorization": {
				{Name: "user", Type: "address"},
				{Name: "merchant", Type: "address"},
				{Name: "totalUSD", Type: "string"},
				{Name: "payments", Type: "PaymentItem[]"},
				{Name: "timestamp", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "PaymentAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:    DomainName,
			Version: DomainVersion,
			ChainId: math.NewHexOrDecimal256(DomainChainID),
		},
		Message: apitypes.TypedDataMessage{
			"user":      auth.User,
			"merchant":  auth.Merchant,
			"totalUSD":  auth.TotalUSD,
			"payments":  payments,
			"timestamp": math.NewHexOrDecimal256(auth.Timestamp),
			"nonce":     math.NewHexOrDecimal256(auth.Nonce),
		},
	}
}

// Digest computes the final EIP-712 signing hash of an authorization.
func Digest(auth types.PaymentAuthorization) (common.Hash, error) {
	td := TypedData(auth)
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// RecoverSigner recovers the address that signed the authorization.
func RecoverSigner(auth types.PaymentAuthorization, signature string) (common.Address, error) {
	digest, err := Digest(auth)
	if err != nil {
		return common.Address{}, err
	}
	return utils.RecoverAddressFromSignature(digest.Bytes(), signature)
}

// Sign produces a signature over the authorization with the given key.
func Sign(auth types.PaymentAuthorization, privateKey *ecdsa.PrivateKey) (string, error) {
	digest, err := Digest(auth)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest.Bytes(), privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization: %w", err)
	}
	return hexutil.Encode(sig), nil
}
