// Package main is the tickerpipe operations CLI.
//
// The CLI talks straight to the task channel and the universe database
// using the same environment configuration as the worker daemon, so it
// works whether or not a daemon is running. Command output is JSON on
// stdout; logs and errors go to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tickerpipe/internal/broker"
	"github.com/aristath/tickerpipe/internal/config"
	"github.com/aristath/tickerpipe/internal/database"
	"github.com/aristath/tickerpipe/internal/redisx"
	"github.com/aristath/tickerpipe/internal/tasks"
	"github.com/aristath/tickerpipe/internal/universe"
	"github.com/aristath/tickerpipe/pkg/logger"
)

// waitPoll is the result polling cadence for enqueue -wait.
const waitPoll = 250 * time.Millisecond

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	command := os.Args[1]
	if command == "help" || command == "-h" || command == "--help" {
		usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tickerpipe: %v\n", err)
		os.Exit(1)
	}

	// Keep the channel quiet; stdout carries only command output.
	log := logger.New(logger.Config{Level: "warn", Pretty: true})

	switch command {
	case "enqueue":
		err = runEnqueue(cfg, log, os.Args[2:])
	case "result":
		err = runResult(cfg, log, os.Args[2:])
	case "stats":
		err = runStats(cfg, log, os.Args[2:])
	case "dead":
		err = runDead(cfg, log, os.Args[2:])
	case "seed":
		err = runSeed(cfg, log, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "tickerpipe: unknown command %q\n\n", command)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "tickerpipe: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `tickerpipe - pricing pipeline operations

Usage:
  tickerpipe <command> [flags]

Commands:
  enqueue   Dispatch a task (-task, -payload JSON, -wait, -timeout)
  result    Fetch the result record for a task (-id)
  stats     Show queue depths, claims, and dead-letter counts
  dead      List dead-lettered tasks (-limit; -requeue redelivers them)
  seed      Add tickers to the universe (-tickers SPY,QQQ)

Configuration comes from the same environment variables the worker daemon
reads (WORKER_BROKER_URL, WORKER_BACKEND_URL, UNIVERSE_DB_PATH, ...).
`)
}

// runEnqueue dispatches one task envelope and optionally polls the backend
// until its result record lands.
func runEnqueue(cfg *config.Config, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	taskName := fs.String("task", "", "operation name, e.g. get_new_pricing_data")
	payloadJSON := fs.String("payload", "{}", "task payload as a JSON object")
	wait := fs.Bool("wait", false, "poll until the result record lands")
	timeout := fs.Duration("timeout", 2*time.Minute, "wait deadline")
	_ = fs.Parse(args)

	if *taskName == "" {
		return errors.New("enqueue: -task is required")
	}

	var payload tasks.Payload
	if err := json.Unmarshal([]byte(*payloadJSON), &payload); err != nil {
		return fmt.Errorf("enqueue: payload is not valid JSON: %w", err)
	}
	if payload == nil {
		payload = tasks.Payload{}
	}

	b := newBroker(cfg, log)
	defer b.Close()

	ctx := context.Background()
	env := tasks.NewEnvelope(tasks.Name(*taskName), payload)
	taskID, err := b.Enqueue(ctx, &env)
	if err != nil {
		return err
	}

	if !*wait {
		return printJSON(map[string]interface{}{
			"task_id":   taskID,
			"task_name": *taskName,
			"status":    "queued",
		})
	}

	be := newBackend(cfg, log)
	defer be.Close()

	waitCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	rec, err := be.Wait(waitCtx, taskID, waitPoll)
	if err != nil {
		return fmt.Errorf("waiting for result of %s: %w", taskID, err)
	}
	if err := printJSON(rec); err != nil {
		return err
	}
	if rec.Status == tasks.StatusFailed {
		detail := ""
		if rec.Error != nil {
			detail = ": " + rec.Error.Message
		}
		return fmt.Errorf("task %s failed%s", taskID, detail)
	}
	return nil
}

// runResult fetches the stored result record for a task ID.
func runResult(cfg *config.Config, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("result", flag.ExitOnError)
	taskID := fs.String("id", "", "task ID returned by enqueue")
	_ = fs.Parse(args)

	if *taskID == "" {
		return errors.New("result: -id is required")
	}

	be := newBackend(cfg, log)
	defer be.Close()

	rec, err := be.Get(context.Background(), *taskID)
	if errors.Is(err, broker.ErrResultNotFound) {
		return fmt.Errorf("no result for task %s (still queued, running, or expired)", *taskID)
	}
	if err != nil {
		return err
	}
	return printJSON(rec)
}

// runStats prints the broker's queue depths and claim counters.
func runStats(cfg *config.Config, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	_ = fs.Parse(args)

	b := newBroker(cfg, log)
	defer b.Close()

	stats, err := b.Stats(context.Background())
	if err != nil {
		return err
	}
	return printJSON(stats)
}

// runDead lists dead-lettered tasks, or with -requeue moves them back onto
// their queues with a reset retry budget.
func runDead(cfg *config.Config, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("dead", flag.ExitOnError)
	requeue := fs.Bool("requeue", false, "redeliver dead letters instead of listing them")
	limit := fs.Int("limit", 50, "maximum dead letters to list or redeliver")
	_ = fs.Parse(args)

	b := newBroker(cfg, log)
	defer b.Close()

	ctx := context.Background()
	if *requeue {
		n, err := b.RequeueDeadLetters(ctx, *limit)
		if err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"status": "success", "requeued": n})
	}

	letters, err := b.ListDeadLetters(ctx, *limit)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"dead_letters": letters,
		"count":        len(letters),
	})
}

// runSeed adds symbols to the ticker universe, leaving existing rows as
// they are.
func runSeed(cfg *config.Config, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	tickersCSV := fs.String("tickers", "", "comma-separated ticker symbols")
	_ = fs.Parse(args)

	if *tickersCSV == "" {
		return errors.New("seed: -tickers is required")
	}
	symbols := strings.Split(*tickersCSV, ",")

	db, err := database.New(database.Config{Path: cfg.UniverseDBPath, Name: "universe"})
	if err != nil {
		return err
	}
	defer db.Close()

	repo := universe.NewRepository(db.Conn(), log)
	if err := repo.EnsureSchema(); err != nil {
		return err
	}
	if err := repo.Seed(symbols); err != nil {
		return err
	}

	active, err := repo.ActiveSymbols()
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"status": "success",
		"active": active,
		"count":  len(active),
	})
}

func newBroker(cfg *config.Config, log zerolog.Logger) *broker.Broker {
	return broker.New(broker.Config{
		Redis:             redisConfig(cfg.Broker),
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.DequeuePoll,
		Log:               log,
	})
}

func newBackend(cfg *config.Config, log zerolog.Logger) *broker.Backend {
	return broker.NewBackend(broker.BackendConfig{
		Redis: redisConfig(cfg.Backend),
		Log:   log,
	})
}

func redisConfig(a config.RedisAddr) redisx.Config {
	return redisx.Config{
		Addr:     a.Addr,
		Password: a.Password,
		DB:       a.DB,
	}
}

// printJSON writes indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
