package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"

	"github.com/nyife/waengine/internal/ratelimit"
	"github.com/nyife/waengine/test/testutil"
)

func newTestRequest() *fastglue.Request {
	ctx := &fasthttp.RequestCtx{}
	return &fastglue.Request{RequestCtx: ctx}
}

func TestMiddleware_AllowsUnderLimit(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	if client == nil {
		t.Skip("TEST_REDIS_URL not configured")
	}

	opts := ratelimit.Opts{Redis: client, Log: testutil.NopLogger(), Max: 5, Window: time.Minute, KeyPrefix: "test-allow", TrustProxy: true}
	mw := ratelimit.Middleware(opts)

	req := newTestRequest()
	req.RequestCtx.Request.Header.Set("X-Forwarded-For", "10.0.0.1")
	result := mw(req)

	require.NotNil(t, result)
	assert.NotEqual(t, fasthttp.StatusTooManyRequests, req.RequestCtx.Response.StatusCode())
}

func TestMiddleware_BlocksOverLimit(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	if client == nil {
		t.Skip("TEST_REDIS_URL not configured")
	}

	opts := ratelimit.Opts{Redis: client, Log: testutil.NopLogger(), Max: 2, Window: time.Minute, KeyPrefix: "test-block", TrustProxy: true}
	mw := ratelimit.Middleware(opts)

	var last *fastglue.Request
	for i := 0; i < 3; i++ {
		req := newTestRequest()
		req.RequestCtx.Request.Header.Set("X-Forwarded-For", "10.0.0.2")
		last = mw(req)
		if i < 2 {
			require.NotNilf(t, last, "request %d should be allowed", i)
		}
	}

	assert.Nil(t, last, "third request should be rate limited")
}

func TestMiddleware_DistinctIPsHaveSeparateLimits(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	if client == nil {
		t.Skip("TEST_REDIS_URL not configured")
	}

	opts := ratelimit.Opts{Redis: client, Log: testutil.NopLogger(), Max: 1, Window: time.Minute, KeyPrefix: "test-distinct", TrustProxy: true}
	mw := ratelimit.Middleware(opts)

	reqA := newTestRequest()
	reqA.RequestCtx.Request.Header.Set("X-Forwarded-For", "10.0.0.3")
	resultA := mw(reqA)
	require.NotNil(t, resultA)

	reqB := newTestRequest()
	reqB.RequestCtx.Request.Header.Set("X-Forwarded-For", "10.0.0.4")
	resultB := mw(reqB)
	require.NotNil(t, resultB)
}
