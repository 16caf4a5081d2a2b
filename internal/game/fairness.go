package game

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MinCrashPoint = 1.10
	MaxCrashPoint = 50.00

	crashExponent = 0.7
)

// GenerateSeed draws 4 bytes from the CSPRNG and appends the wall-clock
// time. The seed is stored on the cycle row so anyone can recompute the
// crash point after the reveal.
func GenerateSeed() string {
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("%s:%d", hex.EncodeToString(b), time.Now().UnixNano())
}

// CrashPointFromSeed hashes the seed and maps it to a crash point in
// [MinCrashPoint, MaxCrashPoint]. Both the normalised draw and the jitter
// come from the hash, so the result is fully determined by the seed.
// Returns the crash point and the hex hash.
func CrashPointFromSeed(seed string) (decimal.Decimal, string) {
	sum := sha256.Sum256([]byte(seed))
	hashHex := hex.EncodeToString(sum[:])

	// u in (0, 1]: 53 bits of hash, shifted away from zero
	u := (float64(binary.BigEndian.Uint64(sum[0:8])>>11) + 1) / float64(1<<53)

	// jitter v in [0.75, 1.25]
	v := 0.75 + 0.5*float64(binary.BigEndian.Uint64(sum[8:16])>>11)/float64(1<<53)

	c := MinCrashPoint * math.Pow(-math.Log(u), crashExponent) * v
	if c < MinCrashPoint {
		c = MinCrashPoint
	}
	if c > MaxCrashPoint {
		c = MaxCrashPoint
	}

	return quantize(c), hashHex
}

// VerifyCycle recomputes the crash point from a revealed seed and checks it
// against the claimed hash and crash point.
func VerifyCycle(seed, claimedHash string, claimedCrashPoint decimal.Decimal) bool {
	crash, hash := CrashPointFromSeed(seed)
	return hash == claimedHash && crash.Equal(claimedCrashPoint)
}

// quantize truncates to two fractional digits. Truncation rather than
// rounding keeps the published multiplier from ever exceeding the internal
// one.
func quantize(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Truncate(2)
}
