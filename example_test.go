package replayflow_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/replayflow"
)

// Example_localRunner chains two activity calls through an in-process
// engine, queue and worker.
func Example_localRunner() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runner := replayflow.NewLocalRunner()
	if err := runner.RegisterOrchestrator("Greeting", greeting); err != nil {
		log.Fatal(err)
	}
	if err := runner.RegisterActivity("SayHello", sayHello); err != nil {
		log.Fatal(err)
	}
	if err := runner.RegisterActivity("Decorate", decorate); err != nil {
		log.Fatal(err)
	}

	if err := runner.StartWorkers(ctx, 2); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	id, err := replayflow.Start(ctx, runner.Engine, "Greeting", "Gopher")
	if err != nil {
		log.Fatal(err)
	}

	inst, err := replayflow.WaitForCompletion(ctx, runner.Engine, id, 10*time.Millisecond)
	if err != nil {
		log.Fatal(err)
	}

	var out string
	if err := inst.DecodeOutput(&out); err != nil {
		log.Fatal(err)
	}
	fmt.Println(inst.Status, out)
	// Output: COMPLETED *** hello, Gopher ***
}

// Example_sqliteWorker assembles a durable engine, queue and worker from
// the package's exported constructors only.
func Example_sqliteWorker() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	queue, err := replayflow.NewSQLiteQueue(db)
	if err != nil {
		log.Fatal(err)
	}

	metrics := &replayflow.BasicMetrics{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	reg := replayflow.NewRegistry()
	if err := reg.Register("Greeting", greeting); err != nil {
		log.Fatal(err)
	}
	eng, err := replayflow.NewSQLiteEngine(db, reg, queue,
		replayflow.WithObserver(metrics),
		replayflow.WithLogger(logger),
	)
	if err != nil {
		log.Fatal(err)
	}

	w := replayflow.NewWorkerWithConfig(eng, queue, replayflow.WorkerConfig{
		Observer: metrics,
		Logger:   logger,
	})

	// SayHello loses its first attempt; the retry policy absorbs it.
	var calls atomic.Int64
	flakyHello := func(ctx context.Context, input replayflow.Payload) (any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("greeter warming up")
		}
		return sayHello(ctx, input)
	}
	if err := w.RegisterActivity("SayHello", flakyHello,
		replayflow.Retry(3).Constant(5*time.Millisecond).Option()); err != nil {
		log.Fatal(err)
	}
	if err := w.RegisterActivity("Decorate", decorate); err != nil {
		log.Fatal(err)
	}

	wctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(wctx, 2)
	}()
	defer func() {
		stop()
		<-done
	}()

	id, err := replayflow.Start(ctx, eng, "Greeting", "Gopher", replayflow.WithInstanceID("greeting-1"))
	if err != nil {
		log.Fatal(err)
	}
	inst, err := replayflow.WaitForCompletion(ctx, eng, id, 10*time.Millisecond)
	if err != nil {
		log.Fatal(err)
	}

	var out string
	if err := inst.DecodeOutput(&out); err != nil {
		log.Fatal(err)
	}
	snap := metrics.Snapshot()
	fmt.Println(inst.ID, inst.Status, out)
	fmt.Println("attempts:", snap.ActivityAttempts, "failures:", snap.ActivityFailures)
	// Output:
	// greeting-1 COMPLETED *** hello, Gopher ***
	// attempts: 3 failures: 1
}

func greeting(ctx *replayflow.OrchestrationContext) (any, error) {
	var name string
	if err := ctx.GetInput(&name); err != nil {
		return nil, err
	}

	var msg string
	if err := ctx.CallActivity("SayHello", name).Await(&msg); err != nil {
		return nil, err
	}
	if err := ctx.CallActivity("Decorate", msg).Await(&msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func sayHello(ctx context.Context, input replayflow.Payload) (any, error) {
	var name string
	if err := input.Decode(&name); err != nil {
		return nil, replayflow.NonRetryable(err)
	}
	return fmt.Sprintf("hello, %s", name), nil
}

func decorate(ctx context.Context, input replayflow.Payload) (any, error) {
	var msg string
	if err := input.Decode(&msg); err != nil {
		return nil, replayflow.NonRetryable(err)
	}
	return fmt.Sprintf("*** %s ***", msg), nil
}
