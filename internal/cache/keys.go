package cache

import (
	"fmt"
)

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// RollupKey caches one APM rollup result; paramsHash covers the query window and filters.
func RollupKey(kind, paramsHash string) string {
	return fmt.Sprintf("apm:rollup:%s:%s", kind, paramsHash)
}

func ChartKey(groupID, paramsHash string) string {
	return fmt.Sprintf("issues:chart:%s:%s", groupID, paramsHash)
}
