package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// ChallengeKey is the storage key for a pending authorization challenge.
func ChallengeKey(id string) string {
	return fmt.Sprintf("challenge:%s", id)
}

// EnrollmentKey is the storage key for a staged, unconfirmed MFA enrollment.
func EnrollmentKey(guildID, actorDID string) string {
	return fmt.Sprintf("mfa-enroll:%s:%s", guildID, actorDID)
}

// AutoQueueKey is the list that buffers channel posts awaiting the
// auto-repost worker.
const AutoQueueKey = "auto-repost:queue"
