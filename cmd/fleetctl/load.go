package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/control"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
	"gitlab.com/timkado/api/daisi-wa-bot-fleet/pkg/logger"
)

const defaultBatchSize = 50

// loadTask is one command to publish.
type loadTask struct {
	TenantID string
	Command  string
}

// loadCounters tracks the outcome of a load run.
type loadCounters struct {
	attempted atomic.Int64
	published atomic.Int64
	failed    atomic.Int64
}

type loadOptions struct {
	tenants     []string
	commands    []string
	rate        int
	duration    time.Duration
	concurrency int
	batchSize   int
}

func newLoadCmd(g *globals) *cobra.Command {
	opts := loadOptions{}

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Publish synthetic control commands at a fixed rate",
		Long: `Publish synthetic reminder.add and client.status commands with fake chat ids
to exercise the control consumer of a fleet under load.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if len(opts.tenants) == 0 {
				return fmt.Errorf("at least one --tenants value is required")
			}
			if opts.rate <= 0 || opts.concurrency <= 0 {
				return fmt.Errorf("--rate and --concurrency must be positive")
			}
			if opts.batchSize <= 0 {
				opts.batchSize = defaultBatchSize
			}
			for _, c := range opts.commands {
				if c != control.CmdReminderAdd && c != control.CmdClientStatus {
					return fmt.Errorf("unsupported load command %q", c)
				}
			}
			return runLoad(g, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.tenants, "tenants", nil, "tenant ids to target, round robin")
	cmd.Flags().StringSliceVar(&opts.commands, "commands", []string{control.CmdReminderAdd, control.CmdClientStatus}, "commands to generate")
	cmd.Flags().IntVar(&opts.rate, "rate", 100, "commands per second in total")
	cmd.Flags().DurationVar(&opts.duration, "duration", time.Minute, "load duration")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 10, "publishing workers")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", defaultBatchSize, "commands handed to a worker at once")
	return cmd
}

func runLoad(g *globals, opts loadOptions) error {
	client, err := g.connect()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.duration)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Log.Info("Received termination signal, stopping load", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		wg       sync.WaitGroup
		counters loadCounters
	)
	pool, err := ants.NewPoolWithFunc(opts.concurrency, func(data interface{}) {
		for _, t := range data.([]loadTask) {
			publishTask(client, g.prefix, t, &counters)
			wg.Done()
		}
	})
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	logger.Log.Info("Starting control load",
		zap.String("nats_url", g.natsURL),
		zap.String("tenants", strings.Join(opts.tenants, ",")),
		zap.Strings("commands", opts.commands),
		zap.Int("rate_per_sec", opts.rate),
		zap.Duration("duration", opts.duration),
		zap.Int("concurrency", opts.concurrency),
	)

	start := time.Now()
	runLoadLoop(ctx, opts, pool, &wg, &counters)
	wg.Wait()

	logger.Log.Info("Control load finished",
		zap.Int64("attempted", counters.attempted.Load()),
		zap.Int64("published", counters.published.Load()),
		zap.Int64("failed", counters.failed.Load()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// runLoadLoop generates tasks at opts.rate and hands them to the pool in
// batches until ctx ends.
func runLoadLoop(ctx context.Context, opts loadOptions, pool *ants.PoolWithFunc, wg *sync.WaitGroup, counters *loadCounters) {
	ticker := time.NewTicker(time.Second / time.Duration(opts.rate))
	defer ticker.Stop()

	batch := make([]loadTask, 0, opts.batchSize)
	submit := func() {
		if len(batch) == 0 {
			return
		}
		wg.Add(len(batch))
		if err := pool.Invoke(batch); err != nil {
			logger.Log.Warn("Failed to invoke worker pool for batch", zap.Int("batch_task_count", len(batch)), zap.Error(err))
			wg.Add(-len(batch))
			counters.failed.Add(int64(len(batch)))
		}
		batch = make([]loadTask, 0, opts.batchSize)
	}

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			submit()
			return
		case <-ticker.C:
			counters.attempted.Add(1)
			batch = append(batch, loadTask{
				TenantID: opts.tenants[n%len(opts.tenants)],
				Command:  opts.commands[n%len(opts.commands)],
			})
			if len(batch) >= opts.batchSize {
				submit()
			}
		}
	}
}

func publishTask(pub publisher, prefix string, t loadTask, counters *loadCounters) {
	var payload any
	switch t.Command {
	case control.CmdReminderAdd:
		every := gofakeit.Number(1, 30)
		payload = control.AddReminder{
			ChatID:         model.FakeChatID(),
			DueAt:          time.Now().Add(time.Duration(gofakeit.Number(1, 72)) * time.Hour).UTC(),
			RecurrenceDays: &every,
		}
	case control.CmdClientStatus:
		payload = control.SetClientStatus{
			ChatID: model.FakeChatID(),
			Status: model.ClientStatus(gofakeit.RandomString([]string{"LEAD", "HOT", "CUSTOMER", "ARCHIVED"})),
		}
	}

	if err := send(pub, prefix, t.TenantID, t.Command, payload); err != nil {
		logger.Log.Error("Failed to publish load command", zap.String("tenant_id", t.TenantID), zap.Error(err))
		counters.failed.Add(1)
		return
	}
	counters.published.Add(1)
}
