package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reviewflow/internal/broker"
	"reviewflow/internal/config"
	"reviewflow/internal/engine"
	"reviewflow/internal/model"
	"reviewflow/internal/pipeline"
	"reviewflow/internal/resume"
	"reviewflow/internal/state"
	"reviewflow/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	gdb, err := store.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	if err := store.AutoMigrateAndIndexes(gdb); err != nil {
		log.Fatal(err)
	}

	client, err := broker.DialAMQP(cfg.AMQPURL)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	jobs := store.NewJobStore(gdb)
	inbox := store.NewInboxStore(gdb)
	states := state.NewManager(jobs, pipeline.NewSerializer(pipeline.GzipCompressor{}), cfg.Strategy)

	registry, err := buildRegistry(cfg)
	if err != nil {
		log.Fatal(err)
	}

	eng := engine.New(jobs, inbox, states, client, registry, cfg.BaseExchange, cfg.WorkerID)

	// Housekeeping workflow: reset and re-dispatch jobs with stale worker
	// locks. Registered here because it closes over the engine.
	err = registry.Register(model.WorkflowCronCleanup, engine.Handler{
		Type: model.HandlerSimpleFunction,
		Func: func(ctx context.Context, job *model.WorkflowJob) error {
			_, err := eng.RequeueStuck(ctx, cfg.StuckAfter)
			return err
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := client.DeclareTopology(cfg.BaseExchange, cfg.CompletionExchange, registry.Types()); err != nil {
		log.Fatal(err)
	}
	if err := client.DeclareCompletionQueue(cfg.CompletionQueue, cfg.CompletionExchange, []string{"*.completed"}); err != nil {
		log.Fatal(err)
	}

	resumer := resume.NewResumer(jobs, client, cfg.BaseExchange)
	rel := broker.NewReliabilityHandler(client, cfg.ConsumerRetry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, wt := range registry.Types() {
		wt := wt
		go func() {
			queue := broker.QueueFor(wt)
			err := client.Consume(ctx, queue, cfg.WorkerID+"."+wt, eng.HandleMessage, rel, "")
			if err != nil && err != context.Canceled {
				log.Fatalf("consumer for %s stopped: %v", queue, err)
			}
		}()
	}
	go func() {
		err := client.Consume(ctx, cfg.CompletionQueue, cfg.WorkerID+".events", resumer.HandleMessage, rel, "")
		if err != nil && err != context.Canceled {
			log.Fatalf("completion consumer stopped: %v", err)
		}
	}()
	go requeueStuck(ctx, eng, cfg.StuckAfter)

	log.Printf("worker %s started, workflows: %v", cfg.WorkerID, registry.Types())

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	log.Println("shutting down worker...")
	cancel()
}

// buildRegistry composes handlers from the workflow definition file.
func buildRegistry(cfg config.Config) (*engine.Registry, error) {
	stageReg := config.NewStageRegistry()
	registerBuiltinStages(stageReg)

	registry := engine.NewRegistry()

	defs, err := config.LoadWorkflows(cfg.WorkflowFile)
	if err != nil {
		return nil, err
	}
	for name, def := range defs.Workflows {
		ht, err := def.HandlerType()
		if err != nil {
			return nil, err
		}
		h := engine.Handler{Type: ht, MaxRetries: def.MaxRetries}
		switch ht {
		case model.HandlerPipelineSync, model.HandlerPipelineAsync:
			stages, err := config.BuildStages(stageReg, def)
			if err != nil {
				return nil, err
			}
			h.Stages = stages
		case model.HandlerWebhookRaw:
			h.Raw = func(ctx context.Context, body []byte) error {
				log.Printf("webhook payload received (%d bytes)", len(body))
				return nil
			}
		case model.HandlerSimpleFunction:
			h.Func = func(ctx context.Context, job *model.WorkflowJob) error {
				log.Printf("job_id=%s simple handler for %s", job.ID, job.WorkflowType)
				return nil
			}
		}
		if err := registry.Register(model.WorkflowType(name), h); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// registerBuiltinStages registers the generic utility stages workflow files
// may reference. Business stages register here as they are added.
func registerBuiltinStages(reg *config.StageRegistry) {
	reg.Register("validate_payload", pipeline.RequireKeys("validate_payload", []string{"repository", "pullRequest"}))
	reg.Register("annotate_start", pipeline.Tap("annotate_start", func(_ context.Context, pc *pipeline.Context) {
		log.Printf("job_id=%s correlation_id=%s pipeline started", pc.JobID, pc.CorrelationID)
	}))
}

func requeueStuck(ctx context.Context, eng *engine.Engine, olderThan time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := eng.RequeueStuck(ctx, olderThan); err != nil {
				log.Printf("requeue stuck jobs: %v", err)
			}
		}
	}
}
