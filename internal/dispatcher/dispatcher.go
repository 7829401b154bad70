package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"farebox/internal/engine"
	"farebox/internal/registry"
	"farebox/internal/repo"
)

// Dispatcher runs the worker pool. Each worker claims one task at a time,
// executes it under its lease, and reports the outcome back through the
// engine. A reaper goroutine sweeps expired leases.
type Dispatcher struct {
	Engine       engine.Engine
	Registry     *registry.Registry
	Workers      int
	PollInterval time.Duration
	ReapInterval time.Duration

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

func New(e engine.Engine, reg *registry.Registry) *Dispatcher {
	cfg := e.Config.Worker
	return &Dispatcher{
		Engine:       e,
		Registry:     reg,
		Workers:      cfg.Count,
		PollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		ReapInterval: time.Duration(cfg.ReaperIntervalSeconds) * time.Second,
		stop:         make(chan struct{}),
	}
}

// Start launches the workers and the reaper. It returns immediately.
func (d *Dispatcher) Start() {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	pid := os.Getpid()
	for i := 0; i < d.Workers; i++ {
		workerID := fmt.Sprintf("worker-%s-%d-%d", host, pid, i)
		d.wg.Add(1)
		go d.runWorker(workerID)
	}
	if d.ReapInterval > 0 {
		d.wg.Add(1)
		go d.runReaper()
	}
	log.Printf("dispatcher: started %d workers (poll %s, reap %s)", d.Workers, d.PollInterval, d.ReapInterval)
}

// Shutdown stops claiming new tasks and waits for in-flight tasks to
// finish or the context to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.once.Do(func() { close(d.stop) })
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) runWorker(workerID string) {
	defer d.wg.Done()
	log.Printf("[%s] worker started", workerID)
	for {
		select {
		case <-d.stop:
			log.Printf("[%s] worker stopped", workerID)
			return
		default:
		}
		claimed := d.claimAndRun(workerID)
		if claimed {
			continue
		}
		select {
		case <-d.stop:
			log.Printf("[%s] worker stopped", workerID)
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// claimAndRun claims at most one task and executes it to a terminal
// report. Returns false when the queue was empty.
func (d *Dispatcher) claimAndRun(workerID string) bool {
	ctx := context.Background()
	task, err := d.Engine.Claim(ctx, workerID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			log.Printf("[%s] claim failed: %v", workerID, err)
		}
		return false
	}

	log.Printf("[%s] processing task %s (%s)", workerID, task.ID, task.Type)
	if err := d.Engine.Progress(ctx, task.ID, workerID, fmt.Sprintf("Task started by %s", workerID)); err != nil {
		log.Printf("[%s] progress write failed: %v", workerID, err)
	}

	exec, err := d.Registry.Executor(task.Type)
	if err != nil {
		// Admission validates the type, so this only happens when the
		// registry changed between restarts.
		d.report(workerID, task.ID, nil, registry.Fatal(err))
		return true
	}

	// Bound execution by the lease so a hung executor cannot outlive it.
	leaseDur := time.Duration(d.Engine.Config.Worker.LeaseSeconds) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, leaseDur)
	defer cancel()

	report := func(message string) {
		if err := d.Engine.Progress(ctx, task.ID, workerID, message); err != nil {
			log.Printf("[%s] progress write failed: %v", workerID, err)
		}
	}
	result, execErr := exec.Execute(execCtx, task.InputData, report)
	d.report(workerID, task.ID, result, execErr)
	return true
}

func (d *Dispatcher) report(workerID, taskID string, result map[string]any, execErr error) {
	ctx := context.Background()
	if err := d.Engine.Finish(ctx, taskID, workerID, result, execErr); err != nil {
		if errors.Is(err, repo.ErrLeaseLost) {
			log.Printf("[%s] lease lost on task %s; outcome discarded", workerID, taskID)
			return
		}
		log.Printf("[%s] finish failed on task %s: %v", workerID, taskID, err)
		return
	}
	if execErr != nil {
		log.Printf("[%s] task %s attempt failed: %v", workerID, taskID, execErr)
	} else {
		log.Printf("[%s] task %s completed", workerID, taskID)
	}
}

func (d *Dispatcher) runReaper() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
		}
		n, err := d.Engine.ReapExpired(context.Background())
		if err != nil {
			log.Printf("reaper: sweep failed: %v", err)
			continue
		}
		if n > 0 {
			log.Printf("reaper: recovered %d expired leases", n)
		}
	}
}
