package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/rbacgate"
)

// Redis key layouts. Every key is prefixed so several deployments can share a
// database.
const (
	DefaultRedisPrefix = "rbac"
	teamKeyFmt         = "%s:team:%s"
	userKeyFmt         = "%s:user:%s"
	sessionKeyFmt      = "%s:session:%s"
	limitKeyFmt        = "%s:limit:%s"
)

// RedisMembershipStore stores project teams in Redis sets (key: rbac:team:{projectID}).
type RedisMembershipStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisMembershipStore(client redis.UniversalClient, prefix string) *RedisMembershipStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisMembershipStore{client: client, prefix: prefix}
}

func (r *RedisMembershipStore) key(projectID string) string {
	return fmt.Sprintf(teamKeyFmt, r.prefix, projectID)
}

func (r *RedisMembershipStore) AddMember(ctx context.Context, projectID, userID string) error {
	return r.client.SAdd(ctx, r.key(projectID), userID).Err()
}

func (r *RedisMembershipStore) RemoveMember(ctx context.Context, projectID, userID string) error {
	return r.client.SRem(ctx, r.key(projectID), userID).Err()
}

func (r *RedisMembershipStore) IsTeamMember(ctx context.Context, userID, projectID string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key(projectID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("redis team lookup %s: %w", projectID, err)
	}
	return ok, nil
}

// Members lists the team of projectID.
func (r *RedisMembershipStore) Members(ctx context.Context, projectID string) ([]string, error) {
	return r.client.SMembers(ctx, r.key(projectID)).Result()
}

// RedisIdentityStore keeps each user in a hash (key: rbac:user:{id}) and
// each session token as a string pointing at the user ID.
type RedisIdentityStore struct {
	client     redis.UniversalClient
	prefix     string
	sessionTTL time.Duration
}

func NewRedisIdentityStore(client redis.UniversalClient, prefix string, sessionTTL time.Duration) *RedisIdentityStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisIdentityStore{client: client, prefix: prefix, sessionTTL: sessionTTL}
}

func (r *RedisIdentityStore) userKey(id string) string {
	return fmt.Sprintf(userKeyFmt, r.prefix, id)
}

func (r *RedisIdentityStore) sessionKey(token string) string {
	return fmt.Sprintf(sessionKeyFmt, r.prefix, token)
}

func (r *RedisIdentityStore) PutUser(ctx context.Context, p *rbacgate.Principal, token string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.userKey(p.ID), map[string]any{
			"role":                string(p.Role),
			"email":               p.Email,
			"email_verified":      strconv.FormatBool(p.EmailVerified),
			"two_factor_verified": strconv.FormatBool(p.TwoFactorVerified),
		})
		if token != "" {
			pipe.Set(ctx, r.sessionKey(token), p.ID, r.sessionTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put user %s: %w", p.ID, err)
	}
	return nil
}

// RevokeSession deletes a session token.
func (r *RedisIdentityStore) RevokeSession(ctx context.Context, token string) error {
	return r.client.Del(ctx, r.sessionKey(token)).Err()
}

func (r *RedisIdentityStore) GetRole(ctx context.Context, userID string) (rbacgate.Role, error) {
	role, err := r.client.HGet(ctx, r.userKey(userID), "role").Result()
	if errors.Is(err, redis.Nil) {
		return "", rbacgate.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis role lookup %s: %w", userID, err)
	}
	return rbacgate.Role(role), nil
}

func (r *RedisIdentityStore) ResolveIdentity(ctx context.Context, req *rbacgate.Request) (*rbacgate.Principal, error) {
	token := bearerToken(req)
	if token == "" {
		return nil, nil
	}
	id, err := r.client.Get(ctx, r.sessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis session lookup: %w", err)
	}
	fields, err := r.client.HGetAll(ctx, r.userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis user lookup %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	verified, _ := strconv.ParseBool(fields["email_verified"])
	twoFactor, _ := strconv.ParseBool(fields["two_factor_verified"])
	return &rbacgate.Principal{
		ID:                id,
		Role:              rbacgate.Role(fields["role"]),
		Email:             fields["email"],
		EmailVerified:     verified,
		TwoFactorVerified: twoFactor,
	}, nil
}

// RedisRateLimiter is a fixed-window limiter shared by every process using
// the same Redis (key: rbac:limit:{key}).
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisRateLimiter{client: client, prefix: prefix}
}

func (r *RedisRateLimiter) CheckLimit(ctx context.Context, key string, limit rbacgate.Limit) error {
	if err := limit.Validate(); err != nil {
		return err
	}
	k := fmt.Sprintf(limitKeyFmt, r.prefix, key)
	count, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("redis rate limit incr: %w", err)
	}
	if count == 1 {
		if err := r.client.PExpire(ctx, k, limit.Duration).Err(); err != nil {
			return fmt.Errorf("redis rate limit expire: %w", err)
		}
	}
	if count <= int64(limit.Points) {
		return nil
	}
	ttl, err := r.client.PTTL(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("redis rate limit ttl: %w", err)
	}
	if ttl < 0 {
		// restore an expiry lost between INCR and PEXPIRE
		if err := r.client.PExpire(ctx, k, limit.Duration).Err(); err != nil {
			return fmt.Errorf("redis rate limit expire: %w", err)
		}
		ttl = limit.Duration
	}
	return &rbacgate.RateLimitExceeded{ResetIn: ttl}
}
