package clob

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const authAttestation = "This message attests that I control the given wallet"

var (
	authDomainName    = crypto.Keccak256Hash([]byte("ClobAuthDomain"))
	authDomainVersion = crypto.Keccak256Hash([]byte("1"))
	authTypeHash      = crypto.Keccak256Hash([]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"))

	bytes32Ty = mustABIType("bytes32")
	addressTy = mustABIType("address")
	uint256Ty = mustABIType("uint256")
)

func mustABIType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

// buildAuthSignature produces the L1 EIP-712 attestation used to create or
// derive API credentials.
func buildAuthSignature(pk *ecdsa.PrivateKey, signer common.Address, chainID, timestamp int64, nonce uint64) (string, error) {
	domainArgs := abi.Arguments{
		{Type: bytes32Ty}, {Type: bytes32Ty}, {Type: bytes32Ty}, {Type: uint256Ty},
	}
	domainEnc, err := domainArgs.Pack(
		crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId)")),
		authDomainName,
		authDomainVersion,
		big.NewInt(chainID),
	)
	if err != nil {
		return "", err
	}
	domainSeparator := crypto.Keccak256Hash(domainEnc)

	// Dynamic string fields are encoded as keccak256 of their value.
	structArgs := abi.Arguments{
		{Type: bytes32Ty}, {Type: addressTy}, {Type: bytes32Ty}, {Type: uint256Ty}, {Type: bytes32Ty},
	}
	structEnc, err := structArgs.Pack(
		authTypeHash,
		signer,
		crypto.Keccak256Hash([]byte(fmt.Sprintf("%d", timestamp))),
		new(big.Int).SetUint64(nonce),
		crypto.Keccak256Hash([]byte(authAttestation)),
	)
	if err != nil {
		return "", err
	}
	structHash := crypto.Keccak256Hash(structEnc)

	raw := make([]byte, 0, 2+32+32)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator.Bytes()...)
	raw = append(raw, structHash.Bytes()...)
	digest := crypto.Keccak256Hash(raw)

	sig, err := crypto.Sign(digest.Bytes(), pk)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + common.Bytes2Hex(sig), nil
}

// buildHmacSignature signs timestamp+method+path+body with the base64 API
// secret and returns a url-safe base64 digest, matching the official client.
func buildHmacSignature(secret string, timestamp int64, method, requestPath string, body []byte) (string, error) {
	var sb strings.Builder
	sb.Grow(32 + len(method) + len(requestPath) + len(body))
	fmt.Fprintf(&sb, "%d", timestamp)
	sb.WriteString(method)
	sb.WriteString(requestPath)
	sb.Write(body)

	key, err := base64.StdEncoding.DecodeString(normalizeSecret(secret))
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(sb.String()))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	sig = strings.ReplaceAll(sig, "+", "-")
	sig = strings.ReplaceAll(sig, "/", "_")
	return sig, nil
}

// normalizeSecret accepts both standard and url-safe base64 secrets and
// restores any missing padding.
func normalizeSecret(secret string) string {
	secret = strings.TrimSpace(secret)
	secret = strings.ReplaceAll(secret, "-", "+")
	secret = strings.ReplaceAll(secret, "_", "/")
	if rem := len(secret) % 4; rem != 0 {
		secret += strings.Repeat("=", 4-rem)
	}
	return secret
}
