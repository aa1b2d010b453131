package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RateLimit implements a fixed one-minute window per caller using Redis.
// Authenticated callers are keyed by user id, everyone else by client IP.
func RateLimit(limit int, redisClient *redis.Client, logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}

		subject := "ip:" + c.ClientIP()
		if userID, ok := GetUserIDFromContext(c); ok {
			subject = fmt.Sprintf("user:%d", userID)
		}
		key := "rate_limit:" + subject

		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		count, err := redisClient.Incr(ctx, key).Result()
		if err == nil && count == 1 {
			err = redisClient.Expire(ctx, key, time.Minute).Err()
		}
		if err != nil {
			// Redis down: let the request through
			logger.WithError(err).Warn("Rate limiter unavailable")
			c.Next()
			return
		}

		current := int(count)
		remaining := limit - current
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if current > limit {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 60,
			})
			return
		}

		c.Next()
	}
}
