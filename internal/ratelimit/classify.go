package ratelimit

import "strings"

// rateLimitKeywords is the literal substring table used to recognize a
// throttled upstream. The upstream never sends a clean 429 contract, so the
// match is deliberately loose and includes the proxy/transport failures it
// produces when banning a client, plus the Chinese phrasings it returns.
var rateLimitKeywords = []string{
	"proxyerror",
	"remotedisconnected",
	"connection reset",
	"429",
	"too many requests",
	"rate limit",
	"请求过于频繁",
	"访问过于频繁",
	"too many",
	"max retries",
}

// IsRateLimitError reports whether err looks like the upstream throttling us.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range rateLimitKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
