package cache

import "fmt"

func IdentityMapKey() string {
	return "identity:employees"
}

func JobStatusKey() string {
	return "batch:job:status"
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
