package db

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const healthTimeout = 5 * time.Second

// HealthCheck is one named readiness condition. Run returns an optional
// detail for the report and an error when the condition does not hold.
type HealthCheck struct {
	Name string
	Run  func(ctx context.Context) (detail any, err error)
}

type checkResult struct {
	OK     bool   `json:"ok"`
	Detail any    `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

type poolReport struct {
	Total        int32  `json:"total_conns"`
	Idle         int32  `json:"idle_conns"`
	Acquired     int32  `json:"acquired_conns"`
	Max          int32  `json:"max_conns"`
	EmptyAcquire int64  `json:"empty_acquire_count"`
	AcquireWait  string `json:"acquire_duration"`
}

func reportPool(stat *pgxpool.Stat) poolReport {
	return poolReport{
		Total:        stat.TotalConns(),
		Idle:         stat.IdleConns(),
		Acquired:     stat.AcquiredConns(),
		Max:          stat.MaxConns(),
		EmptyAcquire: stat.EmptyAcquireCount(),
		AcquireWait:  stat.AcquireDuration().String(),
	}
}

// HealthHandler pings the pool and runs every check. Any failure answers 503
// with the full report so an operator sees which condition broke.
func HealthHandler(pool *pgxpool.Pool, checks ...HealthCheck) echo.HandlerFunc {
	return healthHandler(pool.Ping, func() any { return reportPool(pool.Stat()) }, checks)
}

func healthHandler(ping func(context.Context) error, pool func() any, checks []HealthCheck) echo.HandlerFunc {
	all := append([]HealthCheck{{Name: "ping", Run: func(ctx context.Context) (any, error) {
		return nil, ping(ctx)
	}}}, checks...)

	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()

		healthy := true
		results := make(map[string]checkResult, len(all))
		for _, chk := range all {
			detail, err := chk.Run(ctx)
			r := checkResult{OK: err == nil, Detail: detail}
			if err != nil {
				healthy = false
				r.Error = err.Error()
			}
			results[chk.Name] = r
		}

		code, status := http.StatusOK, "healthy"
		if !healthy {
			code, status = http.StatusServiceUnavailable, "unhealthy"
		}
		return c.JSON(code, echo.Map{"status": status, "checks": results, "pool": pool()})
	}
}

// PendingMigrations fails while schema has migrations that were never applied,
// which means the binary is newer than the facility's tables.
func PendingMigrations(m *Migrator, schema string) HealthCheck {
	return HealthCheck{
		Name: "migrations:" + schema,
		Run: func(ctx context.Context) (any, error) {
			statuses, err := m.Status(ctx, schema)
			if err != nil {
				return nil, err
			}
			return pendingReport(statuses)
		},
	}
}

func pendingReport(statuses []MigrationStatus) (any, error) {
	applied := 0
	pending := []string{}
	for _, s := range statuses {
		if s.Applied {
			applied++
			continue
		}
		pending = append(pending, s.Name)
	}
	detail := echo.Map{"applied": applied, "pending": pending}
	if len(pending) > 0 {
		return detail, fmt.Errorf("%d pending migrations", len(pending))
	}
	return detail, nil
}

// TablesPresent fails when any of tables is missing from schema.
func TablesPresent(pool *pgxpool.Pool, schema string, tables ...string) HealthCheck {
	return HealthCheck{
		Name: "tables:" + schema,
		Run: func(ctx context.Context) (any, error) {
			return missingTables(tables, func(table string) (bool, error) {
				var ok bool
				err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, schema+"."+table).Scan(&ok)
				return ok, err
			})
		},
	}
}

func missingTables(tables []string, exists func(string) (bool, error)) (any, error) {
	missing := []string{}
	for _, t := range tables {
		ok, err := exists(t)
		if err != nil {
			return nil, fmt.Errorf("look up %s: %w", t, err)
		}
		if !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return echo.Map{"missing": missing}, fmt.Errorf("missing tables: %v", missing)
	}
	return echo.Map{"checked": len(tables)}, nil
}
