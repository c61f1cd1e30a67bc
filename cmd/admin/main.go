package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/auth"
	"github.com/aiserve/gpuorchestrator/internal/config"
	"github.com/aiserve/gpuorchestrator/internal/database"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

// admin is the operator CLI: mint tokens, inspect the queue and fleet, and
// adjust quotas without going through the HTTP surface.
func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	// token minting needs no database
	if args[0] == "token" {
		mintToken(cfg, args[1:])
		return
	}

	db, err := database.NewPostgresDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	st := store.NewSQLStore(db)
	ctx := context.Background()

	switch args[0] {
	case "jobs":
		listJobs(ctx, st, args[1:])
	case "instances":
		listInstances(ctx, st)
	case "quota":
		quotaCmd(ctx, st, args[1:])
	case "providers":
		listProviders(ctx, st)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: admin <command> [args]

Commands:
  token <user-uuid> [email] [admin]   mint a bearer token (24h)
  jobs [status]                       list jobs, optionally by status
  instances                           list non-terminal instances
  quota get <user-uuid>               show a user's quota
  quota set <user-uuid> <concurrent> <gpu-hours> <cost-usd>
  providers                           list provider configs`)
}

func mintToken(cfg *config.Config, args []string) {
	if len(args) == 0 {
		log.Fatal("token: user uuid required")
	}
	userID, err := uuid.Parse(args[0])
	if err != nil {
		log.Fatalf("token: invalid uuid: %v", err)
	}
	email := ""
	if len(args) > 1 {
		email = args[1]
	}
	isAdmin := len(args) > 2 && args[2] == "admin"

	token, err := auth.GenerateToken(userID, email, isAdmin, cfg.Auth.JWTSecret, 24*time.Hour)
	if err != nil {
		log.Fatalf("token: %v", err)
	}
	fmt.Println(token)
}

func listJobs(ctx context.Context, st store.Store, args []string) {
	filter := store.JobFilter{Limit: 50}
	if len(args) > 0 {
		filter.Status = models.JobStatus(args[0])
	}
	jobs, err := st.ListJobs(ctx, filter)
	if err != nil {
		log.Fatalf("jobs: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tTYPE\tSTATUS\tPRIORITY\tRETRIES\tCOST\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d/%d\t$%.2f\t%s\n",
			j.ID, j.UserID, j.JobType, j.Status, j.Priority,
			j.RetryCount, j.MaxRetries, j.ActualCostUSD,
			j.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func listInstances(ctx context.Context, st store.Store) {
	instances, err := st.ListInstances(ctx, store.InstanceFilter{NonTerminal: true})
	if err != nil {
		log.Fatalf("instances: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tGPU\tSTATUS\tIP\t$/HR\tJOB")
	for _, i := range instances {
		fmt.Fprintf(w, "%s\t%s\t%dx %s\t%s\t%s\t%.2f\t%s\n",
			i.ID, i.Provider, i.GPUCount, i.GPUType, i.Status, i.PublicIP,
			i.HourlyCostUSD, i.JobID)
	}
	w.Flush()
}

func quotaCmd(ctx context.Context, st store.Store, args []string) {
	if len(args) < 2 {
		usage()
		os.Exit(1)
	}
	userID, err := uuid.Parse(args[1])
	if err != nil {
		log.Fatalf("quota: invalid uuid: %v", err)
	}

	switch args[0] {
	case "get":
		quota, err := st.GetQuota(ctx, userID)
		if err == models.ErrNotFound {
			quota = models.DefaultQuota(userID)
			fmt.Println("(default quota, no row persisted)")
		} else if err != nil {
			log.Fatalf("quota: %v", err)
		}
		fmt.Printf("concurrent=%d gpu-hours/day=%.1f cost/day=$%.2f boost=%d\n",
			quota.MaxConcurrentJobs, quota.MaxGPUHoursPerDay, quota.MaxCostPerDayUSD, quota.PriorityBoost)

	case "set":
		if len(args) < 5 {
			usage()
			os.Exit(1)
		}
		concurrent, _ := strconv.Atoi(args[2])
		gpuHours, _ := strconv.ParseFloat(args[3], 64)
		cost, _ := strconv.ParseFloat(args[4], 64)

		quota, err := st.GetQuota(ctx, userID)
		if err == models.ErrNotFound {
			quota = models.DefaultQuota(userID)
			quota.ID = uuid.New()
			quota.CreatedAt = time.Now().UTC()
		} else if err != nil {
			log.Fatalf("quota: %v", err)
		}
		quota.MaxConcurrentJobs = concurrent
		quota.MaxGPUHoursPerDay = gpuHours
		quota.MaxCostPerDayUSD = cost
		quota.UpdatedAt = time.Now().UTC()

		if err := st.UpsertQuota(ctx, quota); err != nil {
			log.Fatalf("quota: %v", err)
		}
		fmt.Println("quota updated")

	default:
		usage()
		os.Exit(1)
	}
}

func listProviders(ctx context.Context, st store.Store) {
	configs, err := st.ListProviderConfigs(ctx)
	if err != nil {
		log.Fatalf("providers: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENABLED\tPRIORITY\tMAX\tRPS\tHEALTH\tLAST CHECK")
	for _, pc := range configs {
		last := "-"
		if pc.LastHealthCheck != nil {
			last = pc.LastHealthCheck.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%v\t%d\t%d\t%.1f\t%s\t%s\n",
			pc.Name, pc.Enabled, pc.Priority, pc.MaxInstances,
			pc.RequestsPerSecond, pc.HealthStatus, last)
	}
	w.Flush()
}
