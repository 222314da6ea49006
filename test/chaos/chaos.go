package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one of the application's connections now and
// then so the trade service has to survive mid-transaction disconnects.
// appName narrows the victims to backends reporting that application_name;
// empty means any backend in the current database.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, every time.Duration, stop <-chan struct{}) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			_, _ = pool.Exec(ctx, `
				SELECT pg_terminate_backend(pid) FROM pg_stat_activity
				WHERE datname = current_database()
				  AND pid <> pg_backend_pid()
				  AND ($1 = '' OR application_name = $1)
				ORDER BY random() LIMIT 1`, appName)
		}
	}
}
