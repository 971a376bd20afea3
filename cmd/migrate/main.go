package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"cooperp.org/internal/audit"
	"cooperp.org/internal/auth"
	"cooperp.org/internal/config"
	"cooperp.org/internal/migrate"
	"cooperp.org/internal/obs"
	"cooperp.org/internal/store/pg"
)

func main() {
	var (
		dsn   = flag.String("dsn", os.Getenv(config.EnvPrefix+"_DATABASE_DSN"), "PostgreSQL DSN")
		table = flag.String("table", "", "Migrations bookkeeping table")
		level = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()
	obs.Configure(*level, "text")
	log := obs.Logger()

	if *dsn == "" {
		log.Fatalf("missing DSN: provide via -dsn or %s_DATABASE_DSN", config.EnvPrefix)
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status|version|seed]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	store, err := pg.Open(*dsn, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrate.WithMigrationsTable(*table), migrate.WithLogger(log))

	switch cmd := flag.Arg(0); cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "version":
		var v int64
		if v, err = mgr.Version(ctx); err == nil {
			fmt.Println(v)
		}
	case "status":
		var history []migrate.Migration
		if history, err = mgr.Status(ctx); err == nil {
			for _, m := range history {
				state := "pending"
				if m.Applied {
					state = "applied"
				}
				fmt.Printf("%05d %-40s %s\n", m.Version, m.Name, state)
			}
		}
	case "seed":
		err = seed(ctx, store)
	default:
		log.Fatalf("unknown command %q", cmd)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// seed installs the builtin permission catalog.
func seed(ctx context.Context, store *pg.Store) error {
	rec := audit.NewRecorder(audit.WithAuditSinks(audit.StoreSink{Store: store}))
	rbac, err := auth.NewRBACService(store, rec)
	if err != nil {
		return err
	}
	return rbac.EnsureBuiltins(ctx)
}
