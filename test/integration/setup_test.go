package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/platform/db"
	"github.com/ehr/billing/migrations"
)

// IntegrationDSNEnv points the suite at an existing database instead of a
// throwaway container.
const IntegrationDSNEnv = "INTEGRATION_DATABASE_URL"

// globalPool is the shared, migrated test database, set up once in TestMain.
var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv(IntegrationDSNEnv)
	cleanup := func() {}
	if connStr == "" {
		if _, err := exec.LookPath("docker"); err != nil {
			fmt.Fprintf(os.Stderr, "skipping integration tests: docker not found and %s not set\n", IntegrationDSNEnv)
			os.Exit(0)
		}
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to setup postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := db.NewPool(ctx, connStr, 5, 1)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "create pool: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "run migrations: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// uniquePatient returns a patient id no other test uses.
func uniquePatient(prefix string) string {
	return prefix + "-" + uuid.New().String()[:8]
}

// uniqueName returns a catalog name that only this test will match.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s %s", prefix, uuid.New().String()[:8])
}

func createStockItem(t *testing.T, ctx context.Context, name string, retired bool) string {
	t.Helper()
	id := uuid.New().String()
	if _, err := globalPool.Exec(ctx,
		`INSERT INTO stock_item (uuid, common_name, retired) VALUES ($1, $2, $3)`, id, name, retired); err != nil {
		t.Fatalf("insert stock item: %v", err)
	}
	return id
}

type priceTier struct {
	name  string
	price string
	order int
}

func createService(t *testing.T, ctx context.Context, name string, tiers ...priceTier) string {
	t.Helper()
	id := uuid.New().String()
	if _, err := globalPool.Exec(ctx,
		`INSERT INTO billable_service (uuid, name) VALUES ($1, $2)`, id, name); err != nil {
		t.Fatalf("insert billable service: %v", err)
	}
	for _, tier := range tiers {
		if _, err := globalPool.Exec(ctx, `
			INSERT INTO service_price (uuid, billable_service_uuid, name, price, sort_order)
			VALUES ($1, $2, $3, $4::numeric, $5)`,
			uuid.New().String(), id, tier.name, tier.price, tier.order); err != nil {
			t.Fatalf("insert service price: %v", err)
		}
	}
	return id
}

func countBills(t *testing.T, ctx context.Context, patientID string) int {
	t.Helper()
	var n int
	if err := globalPool.QueryRow(ctx, `SELECT count(*) FROM bill WHERE patient_uuid = $1`, patientID).Scan(&n); err != nil {
		t.Fatalf("count bills: %v", err)
	}
	return n
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
