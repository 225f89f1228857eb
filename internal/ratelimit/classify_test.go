package ratelimit

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimitError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("HTTP 429 Too Many Requests"), true},
		{errors.New("ProxyError: cannot connect"), true},
		{errors.New("RemoteDisconnected without response"), true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("Rate Limit exceeded for key"), true},
		{errors.New("Max retries exceeded with url"), true},
		{errors.New("请求过于频繁，请稍后再试"), true},
		{errors.New("访问过于频繁"), true},
		{fmt.Errorf("collect failed: %w", errors.New("too many open requests")), true},
		{errors.New("validation failed: high < low"), false},
		{errors.New("non-200 status code: 500"), false},
		{errors.New("context deadline exceeded"), false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, IsRateLimitError(tc.err), "err=%v", tc.err)
	}
}
