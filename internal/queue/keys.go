package queue

import "fmt"

func readyKey(name string) string {
	return fmt.Sprintf("queue:%s:ready", name)
}

func delayedKey(name string) string {
	return fmt.Sprintf("queue:%s:delayed", name)
}

func attemptsKey(name string) string {
	return fmt.Sprintf("queue:%s:attempts", name)
}

func activeKey(name string) string {
	return fmt.Sprintf("queue:%s:active", name)
}

func completedKey(name string) string {
	return fmt.Sprintf("queue:%s:completed", name)
}

func failedKey(name string) string {
	return fmt.Sprintf("queue:%s:failed", name)
}

func RateLimitKey(name string, window int64) string {
	return fmt.Sprintf("queue:%s:ratelimit:%d", name, window)
}
