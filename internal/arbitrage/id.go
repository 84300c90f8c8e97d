package arbitrage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// OpportunityID computes a deterministic opportunity id.
// Formula: SHA256(token|buy_venue|sell_venue|bucket) where bucket is the unix
// time divided by the epoch bucket length in seconds.
// Returns hex-encoded hash (64 characters).
func OpportunityID(token, buyVenue, sellVenue string, at time.Time, bucket time.Duration) string {
	secs := int64(bucket / time.Second)
	if secs <= 0 {
		secs = 1
	}
	data := fmt.Sprintf("%s|%s|%s|%d", token, buyVenue, sellVenue, at.Unix()/secs)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
