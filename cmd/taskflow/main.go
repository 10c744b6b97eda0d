// Command taskflow is the entrypoint for every taskflow process role:
// database migrations, the Scheduler loop, a Pusher loop, a pull-based
// Worker loop, one-off task/workflow execution and enqueueing, and a thin
// admin API surface. Any number of scheduler, pusher, and worker processes
// may run against the same database at once.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/CityOfPhiladelphia/taskflow/internal/cache"
	"github.com/CityOfPhiladelphia/taskflow/internal/config"
	"github.com/CityOfPhiladelphia/taskflow/internal/executor"
	"github.com/CityOfPhiladelphia/taskflow/internal/model"
	"github.com/CityOfPhiladelphia/taskflow/internal/notify"
	"github.com/CityOfPhiladelphia/taskflow/internal/obs"
	"github.com/CityOfPhiladelphia/taskflow/internal/pusher"
	"github.com/CityOfPhiladelphia/taskflow/internal/registry"
	"github.com/CityOfPhiladelphia/taskflow/internal/scheduler"
	"github.com/CityOfPhiladelphia/taskflow/internal/store"
	"github.com/CityOfPhiladelphia/taskflow/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "init-db":
		err = runInitDB(args)
	case "migrate-db":
		err = runMigrateDB(args)
	case "scheduler":
		err = runScheduler(args)
	case "pusher":
		err = runPusher(args)
	case "pull-worker":
		err = runPullWorker(args)
	case "run-task":
		err = runRunTask(args)
	case "queue-task":
		err = runQueueTask(args)
	case "queue-workflow":
		err = runQueueWorkflow(args)
	case "api-server":
		err = runAPIServer(args)
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "taskflow: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: taskflow <command> [flags]

commands:
  init-db                    create the schema in an existing database by running migrations
  migrate-db                 run pending migrations against an existing database
  scheduler                  run the Scheduler loop (each iteration also runs the Pusher)
  pusher                     run the Pusher loop standalone, for scaling push dispatch independently of scheduling
  pull-worker                run a pull-based Worker loop
  run-task <instance_id>     execute one already-queued task instance in-process
  queue-task <task_name>     enqueue an ad-hoc TaskInstance
  queue-workflow <name>      enqueue an ad-hoc WorkflowInstance
  api-server                 run the thin admin REST surface`)
}

func setup(ctx context.Context, service string) (*config.Config, *obs.Shutdown, *obs.Shutdown, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	obs.InitLogging(service)
	trace := obs.InitTracing(ctx, service)
	metrics := obs.InitMetrics(ctx, service)
	return cfg, &trace, &metrics, nil
}

func buildRegistryAndExecutors() (*registry.Registry, *executor.Registry, error) {
	reg := registry.New()
	execs := executor.NewRegistry()
	if err := registerDefinitions(reg, execs); err != nil {
		return nil, nil, fmt.Errorf("register definitions: %w", err)
	}
	return reg, execs, nil
}

func buildNotifySink(cfg *config.Config) notify.Sink {
	var sinks []notify.Sink
	sinks = append(sinks, notify.LogSink{})
	if cfg.Notify.SlackToken != "" && cfg.Notify.SlackChannel != "" {
		sinks = append(sinks, notify.NewSlackSink(cfg.Notify.SlackToken, cfg.Notify.SlackChannel))
	}
	if cfg.Notify.NATSUrl != "" {
		nc, err := nats.Connect(cfg.Notify.NATSUrl)
		if err != nil {
			slog.Warn("nats sink unavailable, continuing without it", "url", cfg.Notify.NATSUrl, "error", err)
		} else {
			sinks = append(sinks, notify.NewNATSSink(nc))
		}
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return notify.Multi{Sinks: sinks}
}

func runInitDB(args []string) error {
	fs := flag.NewFlagSet("init-db", flag.ExitOnError)
	fs.Parse(args)
	ctx := context.Background()
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	db, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := store.Migrate(ctx, db.DB()); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database initialized")
	return nil
}

func runMigrateDB(args []string) error {
	return runInitDB(args)
}

func runScheduler(args []string) error {
	fs := flag.NewFlagSet("scheduler", flag.ExitOnError)
	numRuns := fs.Int("num-runs", 0, "stop after N iterations (0 = run forever)")
	sleep := fs.Duration("sleep", 10*time.Second, "sleep between iterations")
	dryRun := fs.Bool("dry-run", false, "log decisions without mutating the store")
	nowOverride := fs.String("now-override", "", "RFC3339 timestamp to use as 'now' instead of the wall clock")
	fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, traceShutdown, metricsShutdown, err := setup(ctx, "taskflow-scheduler")
	if err != nil {
		return err
	}
	defer obs.Flush(context.Background(), *traceShutdown)
	defer obs.Flush(context.Background(), *metricsShutdown)

	db, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg, _, err := buildRegistryAndExecutors()
	if err != nil {
		return err
	}
	if err := reg.Sync(ctx, db, false); err != nil {
		return fmt.Errorf("sync registry to store: %w", err)
	}

	sched := scheduler.New(db, reg, buildNotifySink(cfg))
	if *nowOverride != "" {
		fixed, err := time.Parse(time.RFC3339, *nowOverride)
		if err != nil {
			return fmt.Errorf("parse --now-override: %w", err)
		}
		sched.Now = func() time.Time { return fixed }
	}

	workers := buildPushWorkers(cfg, db)
	p := pusher.New(db, workers, func(taskName string) string {
		task, ok := reg.GetTask(taskName)
		if !ok {
			return ""
		}
		return task.PushDestination
	})

	// Each scheduler iteration also runs the Pusher.
	runLoop(ctx, *numRuns, *sleep, nil, func() {
		sched.Run(ctx, *dryRun)
		p.Run(ctx, *dryRun)
	})
	return nil
}

func runPusher(args []string) error {
	fs := flag.NewFlagSet("pusher", flag.ExitOnError)
	numRuns := fs.Int("num-runs", 0, "stop after N iterations (0 = run forever)")
	sleep := fs.Duration("sleep", 10*time.Second, "sleep between iterations")
	dryRun := fs.Bool("dry-run", false, "log decisions without submitting or reconciling")
	fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, traceShutdown, metricsShutdown, err := setup(ctx, "taskflow-pusher")
	if err != nil {
		return err
	}
	defer obs.Flush(context.Background(), *traceShutdown)
	defer obs.Flush(context.Background(), *metricsShutdown)

	db, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg, _, err := buildRegistryAndExecutors()
	if err != nil {
		return err
	}

	workers := buildPushWorkers(cfg, db)
	p := pusher.New(db, workers, func(taskName string) string {
		task, ok := reg.GetTask(taskName)
		if !ok {
			return ""
		}
		return task.PushDestination
	})

	runLoop(ctx, *numRuns, *sleep, nil, func() {
		p.Run(ctx, *dryRun)
	})
	return nil
}

// buildPushWorkers wires one PushWorker per push_destination. taskflow
// ships a single HTTP-webhook worker; deployments add entries here per
// external execution backend (batch scheduler, CI runner, etc.), keyed the
// same way task.PushDestination names them. Each worker is handed the same
// Store so it can persist push_state and the pushed/running/success/failed
// transitions it observes. With a Redis URL configured, the resubmit seen
// guard moves to Redis so concurrent Pusher processes share it; the default
// in-memory guard only protects within one process.
func buildPushWorkers(cfg *config.Config, db store.Store) map[string]pusher.PushWorker {
	w := pusher.NewWebhookPushWorker("webhook", "http://localhost:9000/submit", "http://localhost:9000/status/%s", db)
	if cfg.Pusher.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Pusher.RedisURL)
		if err != nil {
			slog.Warn("invalid pusher redis url, keeping in-memory seen cache", "error", err)
		} else {
			w.Seen = cache.NewRedisCache(redis.NewClient(opts), 10*time.Minute)
		}
	}
	return map[string]pusher.PushWorker{
		"webhook": w,
	}
}

func runPullWorker(args []string) error {
	fs := flag.NewFlagSet("pull-worker", flag.ExitOnError)
	numRuns := fs.Int("num-runs", 0, "stop after N iterations (0 = run forever)")
	sleep := fs.Duration("sleep", 5*time.Second, "sleep between poll cycles")
	maxTasks := fs.Int("max-tasks", 1, "max task instances to pull per cycle")
	taskNames := fs.String("task-names", "", "comma-separated allowlist of task names this worker accepts")
	workerID := fs.String("worker-id", "", "worker identity (default: auto-derived)")
	fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, traceShutdown, metricsShutdown, err := setup(ctx, "taskflow-worker")
	if err != nil {
		return err
	}
	defer obs.Flush(context.Background(), *traceShutdown)
	defer obs.Flush(context.Background(), *metricsShutdown)

	db, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg, execs, err := buildRegistryAndExecutors()
	if err != nil {
		return err
	}

	id := *workerID
	if id == "" {
		id = getWorkerID()
	}
	w := worker.New(db, reg, execs, buildNotifySink(cfg), id)

	var names []string
	if *taskNames != "" {
		names = strings.Split(*taskNames, ",")
	}

	// A LISTEN connection lets the loop wake as soon as new work is queued
	// instead of waiting out the full sleep. Optional: polling alone is
	// correct, just slower to react.
	waiter, err := store.NewWaiter(cfg.Database.DSN)
	if err != nil {
		slog.Warn("wake listener unavailable, falling back to fixed-interval polling", "error", err)
		waiter = nil
	} else {
		defer waiter.Close()
	}

	runLoop(ctx, *numRuns, *sleep, waiter, func() {
		pulled, err := db.Pull(ctx, store.PullParams{
			WorkerID:  id,
			Now:       time.Now(),
			MaxTasks:  *maxTasks,
			TaskNames: names,
			PushOnly:  false,
		})
		if err != nil {
			slog.Error("pull failed", "error", err)
			return
		}
		for _, ti := range pulled {
			if err := w.Execute(ctx, ti); err != nil {
				slog.Error("execute failed", "instance_id", ti.ID, "task", ti.TaskName, "error", err)
			}
		}
	})
	return nil
}

func runRunTask(args []string) error {
	fs := flag.NewFlagSet("run-task", flag.ExitOnError)
	workerID := fs.String("worker-id", "", "worker identity (default: auto-derived)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("run-task requires <instance_id>")
	}
	instanceID, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		return fmt.Errorf("parse instance_id: %w", err)
	}

	ctx := context.Background()
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	obs.InitLogging("taskflow-run-task")

	db, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg, execs, err := buildRegistryAndExecutors()
	if err != nil {
		return err
	}

	id := *workerID
	if id == "" {
		id = getWorkerID()
	}
	w := worker.New(db, reg, execs, buildNotifySink(cfg), id)

	ti, err := db.GetTaskInstance(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load task instance %d: %w", instanceID, err)
	}
	return w.Execute(ctx, ti)
}

func runQueueTask(args []string) error {
	fs := flag.NewFlagSet("queue-task", flag.ExitOnError)
	priority := fs.String("priority", string(model.PriorityNormal), "critical|high|normal|low")
	workflowInstanceID := fs.Int64("workflow-instance-id", 0, "attach the instance to an existing workflow instance")
	runAt := fs.String("run-at", "", "RFC3339 timestamp to run at (default: now)")
	paramsJSON := fs.String("params", "", "JSON object of task params")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("queue-task requires <task_name>")
	}
	taskName := fs.Arg(0)

	ctx := context.Background()
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	obs.InitLogging("taskflow-queue-task")

	db, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg, _, err := buildRegistryAndExecutors()
	if err != nil {
		return err
	}
	task, ok := reg.GetTask(taskName)
	if !ok {
		return fmt.Errorf("task %q not found in registry", taskName)
	}

	when := time.Now()
	if *runAt != "" {
		when, err = time.Parse(time.RFC3339, *runAt)
		if err != nil {
			return fmt.Errorf("parse --run-at: %w", err)
		}
	}
	var params map[string]any
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			return fmt.Errorf("parse --params: %w", err)
		}
	}
	ti := &model.TaskInstance{
		TaskName:    task.Name,
		RunAt:       when,
		Status:      model.StatusQueued,
		Priority:    model.Priority(*priority),
		Params:      params,
		Push:        task.Pushed(),
		MaxAttempts: task.MaxAttempts(),
		Timeout:     task.Timeout,
		RetryDelay:  task.RetryDelay,
	}
	if *workflowInstanceID != 0 {
		ti.WorkflowInstanceID = workflowInstanceID
	}
	if err := db.InsertTaskInstance(ctx, ti); err != nil {
		return fmt.Errorf("queue task %q: %w", taskName, err)
	}
	fmt.Printf("queued task instance %d for %q\n", ti.ID, taskName)
	return nil
}

func runQueueWorkflow(args []string) error {
	fs := flag.NewFlagSet("queue-workflow", flag.ExitOnError)
	priority := fs.String("priority", string(model.PriorityNormal), "critical|high|normal|low")
	runAt := fs.String("run-at", "", "RFC3339 timestamp to run at (default: now)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		return fmt.Errorf("queue-workflow requires <workflow_name>")
	}
	workflowName := fs.Arg(0)

	ctx := context.Background()
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	obs.InitLogging("taskflow-queue-workflow")

	db, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg, _, err := buildRegistryAndExecutors()
	if err != nil {
		return err
	}
	w, ok := reg.GetWorkflow(workflowName)
	if !ok {
		return fmt.Errorf("workflow %q not found in registry", workflowName)
	}

	when := time.Now()
	if *runAt != "" {
		when, err = time.Parse(time.RFC3339, *runAt)
		if err != nil {
			return fmt.Errorf("parse --run-at: %w", err)
		}
	}
	wi := &model.WorkflowInstance{
		WorkflowName: w.Name,
		RunAt:        when,
		Status:       model.StatusQueued,
		Priority:     model.Priority(*priority),
	}
	if err := db.InsertWorkflowInstance(ctx, wi); err != nil {
		return fmt.Errorf("queue workflow %q: %w", workflowName, err)
	}
	fmt.Printf("queued workflow instance %d for %q\n", wi.ID, workflowName)
	return nil
}

// runAPIServer is a thin admin REST surface over the Store: read-only
// status endpoints plus a health check.
func runAPIServer(args []string) error {
	fs := flag.NewFlagSet("api-server", flag.ExitOnError)
	prod := fs.Bool("prod", false, "run gin in release mode")
	bindHost := fs.String("bind-host", "0.0.0.0", "listen host")
	bindPort := fs.Int("bind-port", 8080, "listen port")
	fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, traceShutdown, metricsShutdown, err := setup(ctx, "taskflow-api")
	if err != nil {
		return err
	}
	defer obs.Flush(context.Background(), *traceShutdown)
	defer obs.Flush(context.Background(), *metricsShutdown)

	db, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if *prod {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.GET("/health", func(c *gin.Context) { c.Status(200) })
	r.GET("/v1/workflow-instances/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(400, gin.H{"error": "invalid id"})
			return
		}
		wi, err := db.GetWorkflowInstance(c.Request.Context(), id)
		if err != nil {
			c.JSON(404, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, wi)
	})
	r.GET("/v1/task-instances/:id", func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(400, gin.H{"error": "invalid id"})
			return
		}
		ti, err := db.GetTaskInstance(c.Request.Context(), id)
		if err != nil {
			c.JSON(404, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, ti)
	})

	addr := fmt.Sprintf("%s:%d", *bindHost, *bindPort)
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api-server error", "error", err)
			cancel()
		}
	}()
	slog.Info("api-server started", "addr", addr)
	<-ctx.Done()
	shutdownCtx, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	return srv.Shutdown(shutdownCtx)
}

// runLoop runs fn every `sleep` until numRuns iterations have elapsed (0 =
// forever) or ctx is cancelled. With a non-nil waiter, a queue notification
// cuts the sleep short.
func runLoop(ctx context.Context, numRuns int, sleep time.Duration, waiter *store.Waiter, fn func()) {
	for i := 0; numRuns == 0 || i < numRuns; i++ {
		fn()
		if ctx.Err() != nil {
			return
		}
		if waiter != nil {
			waiter.Wait(ctx, sleep)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}
