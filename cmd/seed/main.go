package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/aiserve/gpuorchestrator/internal/config"
	"github.com/aiserve/gpuorchestrator/internal/database"
	"github.com/aiserve/gpuorchestrator/internal/models"
	"github.com/aiserve/gpuorchestrator/internal/store"
)

var dryRun bool

// seed loads the baseline job templates and provider configs a fresh
// deployment needs before it can take traffic.
func main() {
	flag.BoolVar(&dryRun, "dry-run", false, "Print what would be created without actually creating")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.NewPostgresDB(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	st := store.NewSQLStore(db)
	now := time.Now().UTC()

	templates := []*models.JobTemplate{
		{
			Name:              "llava-13b",
			JobType:           models.JobTypeLlavaInference,
			ModelName:         "llava-v1.5-13b",
			GPUType:           "A100",
			GPUCount:          1,
			MemoryGB:          40,
			MaxRuntimeMinutes: 60,
			Priority:          5,
			MaxRetries:        3,
			DockerImage:       "runpod/pytorch:2.1.0-py3.10-cuda11.8.0-devel-ubuntu22.04",
		},
		{
			Name:              "llama-70b",
			JobType:           models.JobTypeLlamaInference,
			ModelName:         "llama-3-70b",
			GPUType:           "H100",
			GPUCount:          2,
			MemoryGB:          160,
			MaxRuntimeMinutes: 120,
			Priority:          4,
			MaxRetries:        3,
		},
		{
			Name:              "batch-default",
			JobType:           models.JobTypeBatch,
			ModelName:         "generic",
			GPUType:           "RTX4090",
			GPUCount:          1,
			MemoryGB:          24,
			MaxRuntimeMinutes: 240,
			Priority:          7,
			MaxRetries:        2,
		},
	}

	providerConfigs := []*models.ProviderConfig{
		{Name: "runpod", Enabled: true, Priority: 1, MaxInstances: 20, RequestsPerSecond: 2, HealthStatus: models.HealthUnknown},
		{Name: "vastai", Enabled: true, Priority: 2, MaxInstances: 20, RequestsPerSecond: 2, HealthStatus: models.HealthUnknown},
		{Name: "aws", Enabled: false, Priority: 3, MaxInstances: 10, RequestsPerSecond: 5, HealthStatus: models.HealthUnknown, DefaultRegion: cfg.Providers.AWSRegion},
	}

	if dryRun {
		log.Println("=== DRY RUN MODE - No changes will be made ===")
		for _, tpl := range templates {
			log.Printf("would create template %s (%s on %dx %s)", tpl.Name, tpl.ModelName, tpl.GPUCount, tpl.GPUType)
		}
		for _, pc := range providerConfigs {
			log.Printf("would upsert provider config %s (enabled=%v priority=%d)", pc.Name, pc.Enabled, pc.Priority)
		}
		return
	}

	for _, tpl := range templates {
		if _, err := st.GetTemplateByName(ctx, tpl.Name); err == nil {
			log.Printf("template %s already exists, skipping", tpl.Name)
			continue
		}
		tpl.ID = uuid.New()
		tpl.CreatedAt = now
		tpl.UpdatedAt = now
		if err := st.CreateTemplate(ctx, tpl); err != nil {
			log.Printf("Warning: failed to create template %s: %v", tpl.Name, err)
			continue
		}
		log.Printf("created template %s", tpl.Name)
	}

	for _, pc := range providerConfigs {
		pc.ID = uuid.New()
		pc.CreatedAt = now
		pc.UpdatedAt = now
		if err := st.UpsertProviderConfig(ctx, pc); err != nil {
			log.Printf("Warning: failed to upsert provider config %s: %v", pc.Name, err)
			continue
		}
		log.Printf("upserted provider config %s", pc.Name)
	}

	log.Println("seed complete")
}
