package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func BatchStatusKey(batchID uuid.UUID) string {
	return fmt.Sprintf("batch:%s:status", batchID)
}

// StatsKey holds the cached dashboard statistics.
func StatsKey() string {
	return "stats:queue"
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
