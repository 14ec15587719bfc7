// Package ratelimit enforces a fixed-window request limit per client IP on
// the webhook ingress endpoint, adapted from the teacher's auth middleware
// rate limiter (originally scoped to login/register) down to a single
// fastglue.FastMiddleware covering the one public surface this module keeps.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"
)

// Opts configures the rate limit middleware.
type Opts struct {
	Redis      *redis.Client
	Log        logf.Logger
	Max        int           // Maximum requests within the window.
	Window     time.Duration // Fixed window duration.
	KeyPrefix  string        // Redis key prefix, e.g. "webhook".
	TrustProxy bool          // Trust X-Forwarded-For / X-Real-IP headers.
}

// DefaultOpts returns sensible webhook-ingress defaults: Meta can burst
// retries on failed deliveries, so the window is generous.
func DefaultOpts(client *redis.Client, log logf.Logger) Opts {
	return Opts{
		Redis:     client,
		Log:       log,
		Max:       600,
		Window:    time.Minute,
		KeyPrefix: "webhook",
	}
}

// Middleware returns a fastglue middleware enforcing a fixed-window rate
// limit per client IP using Redis INCR + EXPIRE. It fails open: if Redis is
// unavailable the request is allowed through rather than dropping webhook
// traffic.
func Middleware(opts Opts) fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		ip := extractClientIP(r, opts.TrustProxy)
		key := fmt.Sprintf("ratelimit:%s:%s", opts.KeyPrefix, ip)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		count, err := opts.Redis.Incr(ctx, key).Result()
		if err != nil {
			opts.Log.Error("ratelimit: redis incr failed, failing open", "error", err, "key", key)
			return r
		}

		if count == 1 {
			if err := opts.Redis.Expire(ctx, key, opts.Window).Err(); err != nil {
				opts.Log.Error("ratelimit: redis expire failed", "error", err, "key", key)
			}
		}

		if count > int64(opts.Max) {
			ttl, err := opts.Redis.TTL(ctx, key).Result()
			if err != nil || ttl < 0 {
				ttl = opts.Window
			}
			retryAfter := int(ttl.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}

			r.RequestCtx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			_ = r.SendErrorEnvelope(fasthttp.StatusTooManyRequests,
				"Too many requests. Please try again later.", nil, "")
			return nil
		}

		return r
	}
}

// extractClientIP returns the client IP address from the request. When
// trustProxy is true it checks X-Forwarded-For and X-Real-IP first.
func extractClientIP(r *fastglue.Request, trustProxy bool) string {
	if trustProxy {
		if xff := string(r.RequestCtx.Request.Header.Peek("X-Forwarded-For")); xff != "" {
			parts := strings.SplitN(xff, ",", 2)
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
		if realIP := string(r.RequestCtx.Request.Header.Peek("X-Real-IP")); realIP != "" {
			return strings.TrimSpace(realIP)
		}
	}

	addr := r.RequestCtx.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
