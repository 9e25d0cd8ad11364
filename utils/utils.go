// Package utils provides shared helpers across the paper trader.
package utils

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress validates a wallet address and returns it lowercased
// with trimmed spaces. Addresses come from config flags, leaderboard
// payloads, and activity feeds with inconsistent casing; everything stored
// or compared goes through here first.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid wallet address %q", addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// ShortAddress returns a truncated address for log lines (0x1234...5678).
func ShortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
