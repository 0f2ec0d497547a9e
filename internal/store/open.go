package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/compresr/credit-reconciler/internal/config"
)

// Open creates the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig) (KV, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn().Msg("store: using in-memory store, state is lost on exit")
		return NewMemory(), nil

	case "sqlite":
		return OpenSQLite(cfg.Path)

	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("store/redis: ping %s: %w", cfg.Addr, err)
		}
		var opts []RedisOption
		if cfg.KeyPrefix != "" {
			opts = append(opts, WithKeyPrefix(cfg.KeyPrefix))
		}
		return NewRedis(client, opts...), nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: connect: %w", err)
		}
		p := NewPostgres(pool)
		if err := p.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return p, nil

	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("store/dynamodb: load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
		return NewDynamoDB(client), nil

	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
