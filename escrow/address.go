package escrow

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	ErrInvalidAddress  = errors.New("escrow: invalid contract address")
	ErrAddressChecksum = errors.New("escrow: contract address checksum mismatch")
	ErrInvalidTxHash   = errors.New("escrow: invalid transaction hash")
)

// NormalizeAddress returns the EIP-55 checksummed form of a 20-byte hex
// address. Mixed-case input must already carry a valid checksum; all-lower or
// all-upper input is accepted as unchecked. Empty input stays empty.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", nil
	}
	body, ok := strings.CutPrefix(addr, "0x")
	if !ok {
		body, ok = strings.CutPrefix(addr, "0X")
	}
	if !ok || len(body) != 40 {
		return "", ErrInvalidAddress
	}
	if _, err := hex.DecodeString(body); err != nil {
		return "", ErrInvalidAddress
	}

	sum := checksum(body)
	lower, upper := strings.ToLower(body), strings.ToUpper(body)
	if body != lower && body != upper && body != sum {
		return "", ErrAddressChecksum
	}
	return "0x" + sum, nil
}

func checksum(body string) string {
	lower := strings.ToLower(body)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	out := []byte(lower)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}

// NormalizeTxHash lower-cases a 32-byte 0x-prefixed transaction hash. Hashes
// of other chains are accepted verbatim as long as they are non-blank.
func NormalizeTxHash(hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return "", ErrInvalidTxHash
	}
	if body, ok := strings.CutPrefix(strings.ToLower(hash), "0x"); ok && len(body) == 64 {
		if _, err := hex.DecodeString(body); err != nil {
			return "", ErrInvalidTxHash
		}
		return "0x" + body, nil
	}
	return hash, nil
}
