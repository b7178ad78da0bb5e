package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dbconsolidate/internal/resilience"
)

// targetPool connects to the target database, retrying transient connect
// and ping failures. A read-only pool sets default_transaction_read_only so
// the validator cannot write even by mistake.
func targetPool(ctx context.Context, readOnly bool) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.Target.ConnString())
	if err != nil {
		return nil, eris.Wrap(err, "target: parse connection string")
	}
	if cfg.Target.MaxConns > 0 {
		pcfg.MaxConns = cfg.Target.MaxConns
	}
	if readOnly {
		pcfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"
	}

	retry := resilience.FromConfig(cfg.Retry)
	retry.OnRetry = resilience.RetryLogger("target", "connect")

	pool, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "target: connect to %s:%d/%s", pcfg.ConnConfig.Host, pcfg.ConnConfig.Port, pcfg.ConnConfig.Database)
	}

	zap.L().Debug("connected to target",
		zap.String("host", pcfg.ConnConfig.Host),
		zap.String("database", pcfg.ConnConfig.Database),
		zap.Bool("read_only", readOnly),
	)
	return pool, nil
}
