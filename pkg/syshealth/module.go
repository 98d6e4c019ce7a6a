package syshealth

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
)

// Module provides the system health Monitor and runs it with the application.
var Module = fx.Module("syshealth",
	fx.Provide(provideMonitor),
	fx.Invoke(registerMonitorLifecycle),
)

func provideMonitor(pool *pgxpool.Pool, log *slog.Logger) (Monitor, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewMonitor(cfg, PgxPoolUsage(pool), log), nil
}

// PgxPoolUsage reports acquired connections as a share of the pool maximum.
func PgxPoolUsage(pool *pgxpool.Pool) PoolUsage {
	return func() float64 {
		st := pool.Stat()
		if st.MaxConns() <= 0 {
			return 0
		}
		return float64(st.AcquiredConns()) / float64(st.MaxConns()) * 100
	}
}

func registerMonitorLifecycle(lc fx.Lifecycle, m Monitor) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return m.Start() },
		OnStop:  func(context.Context) error { return m.Stop() },
	})
}
