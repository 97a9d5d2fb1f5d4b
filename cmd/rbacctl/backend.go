package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/oarkflow/rbacgate"
	"github.com/oarkflow/rbacgate/stores"
)

type identityBackend interface {
	rbacgate.IdentityResolver
	rbacgate.IdentityStore
	PutUser(ctx context.Context, p *rbacgate.Principal, token string) error
}

type membershipBackend interface {
	rbacgate.MembershipStore
	AddMember(ctx context.Context, projectID, userID string) error
}

// backend holds the collaborators of the server. Redis, when configured,
// serves identities, memberships and rate limits; SQLite serves the audit log
// and, without Redis, identities and memberships too.
type backend struct {
	identity identityBackend
	members  membershipBackend
	limiter  rbacgate.RateLimiter
	audit    rbacgate.AuditSink
	closers  []func() error
}

func openBackend(ctx context.Context, cfg serverConfig) (*backend, error) {
	b := &backend{}
	limiter, err := stores.NewMemoryRateLimiter(stores.DefaultRateLimitKeys, nil)
	if err != nil {
		return nil, err
	}
	b.identity = stores.NewMemoryIdentityStore()
	b.members = stores.NewMemoryMembershipStore()
	b.limiter = limiter
	b.audit = stores.NewMemoryAuditSink()

	if cfg.SQLiteDSN != "" {
		db, closeDB, err := openSQLite(ctx, cfg.SQLiteDSN)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, closeDB)
		b.identity = stores.NewSQLIdentityStore(db)
		b.members = stores.NewSQLMembershipStore(db)
		b.audit = stores.NewSQLAuditSink(db)
	}

	if cfg.RedisAddr != "" {
		client, err := openRedis(ctx, cfg.RedisAddr)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		b.identity = stores.NewRedisIdentityStore(client, cfg.RedisPrefix, cfg.SessionTTL)
		b.members = stores.NewRedisMembershipStore(client, cfg.RedisPrefix)
		b.limiter = stores.NewRedisRateLimiter(client, cfg.RedisPrefix)
	}
	return b, nil
}

func openRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func openSQLite(ctx context.Context, dsn string) (*squealx.DB, func() error, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	if dsn == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}
	db := squealx.NewDb(sqlDB, "sqlite", "rbacgate")
	if err := stores.Migrate(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	return db, sqlDB.Close, nil
}

// seed loads configured users and memberships into the backend.
func (b *backend) seed(ctx context.Context, cfg *rbacgate.Config) error {
	for _, u := range cfg.Users {
		if err := b.identity.PutUser(ctx, u.Principal(), u.Token); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	for _, m := range cfg.Memberships {
		for _, id := range m.Members {
			if err := b.members.AddMember(ctx, m.ProjectID, id); err != nil {
				return fmt.Errorf("seed project %s: %w", m.ProjectID, err)
			}
		}
	}
	return nil
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
	b.closers = nil
}
