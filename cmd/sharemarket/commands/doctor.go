package commands

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hipo/sharemarket/internal/contracts"
	"github.com/hipo/sharemarket/internal/store/postgres"
)

// doctorCmd represents the doctor command
var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check database, schema, redis and outbox health",
	Long: `Connects with the current configuration and reports:
- PostgreSQL ping, response time and pool statistics
- Embedded migrations not yet applied
- Redis reachability (or the in-process fallback)
- Dead cascade events waiting for an operator

Example:
  go run ./cmd/sharemarket doctor
  go run ./cmd/sharemarket doctor --store memory`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		PrintError(err.Error())
		return err
	}
	defer a.Close()

	PrintHeader("sharemarket doctor")
	PrintKeyValue("Env", a.cfg.Env, 12)
	PrintKeyValue("Store", a.cfg.StoreDriver, 12)

	healthy := true

	if a.db != nil {
		PrintKeyValue("Database", maskPassword(a.cfg.Database.URL), 12)

		migrations, err := postgres.Migrations()
		if err != nil {
			PrintError(err.Error())
			return err
		}
		status, err := a.db.HealthCheck(ctx, migrations)
		if err != nil {
			PrintError(fmt.Sprintf("Health check failed: %v", err))
			return err
		}
		PrintSuccess(fmt.Sprintf("Ping in %v", status.ResponseTime))
		PrintKeyValue("Conns", fmt.Sprintf("%d total, %d acquired, %d idle, max %d",
			status.Stats.TotalConns, status.Stats.AcquiredConns, status.Stats.IdleConns, status.Stats.MaxConns), 12)
		if status.Stats.Saturated() {
			PrintWarning("Pool saturated, raise DB_MAX_CONNS")
		}

		if len(status.Pending) > 0 {
			PrintWarning(fmt.Sprintf("%d migrations not applied, run: sharemarket migrate", len(status.Pending)))
			PrintList(status.Pending)
			healthy = false
		} else {
			PrintKeyValue("Schema", status.SchemaVersion, 12)
			PrintSuccess("Schema is up to date")
		}
	}

	if a.redis.Enabled() {
		if err := a.redis.Ping(ctx); err != nil {
			PrintError(fmt.Sprintf("Redis ping failed: %v", err))
			healthy = false
		} else {
			PrintSuccess("Redis reachable")
		}
	} else {
		PrintInfo("Redis disabled, caches and job leases are per process")
	}

	if healthy {
		dead, err := a.store.ListEvents(ctx, contracts.EventDead, 0)
		if err != nil {
			PrintError(err.Error())
			healthy = false
		} else if len(dead) > 0 {
			PrintWarning(strconv.Itoa(len(dead)) + " dead cascade events, inspect with: sharemarket outbox")
		} else {
			PrintSuccess("No dead cascade events")
		}
	}

	PrintSeparator()
	if !healthy {
		return fmt.Errorf("doctor found problems")
	}
	PrintSuccess("All checks passed")
	return nil
}

// maskPassword hides the password of a database URL for display
func maskPassword(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
