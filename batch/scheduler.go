// Package batch fans prompts out to a fixed pool of workers and collects
// the results in input order.
package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitali87/llm-shell/translate"
)

const DefaultWorkers = 10

// Sender translates one prompt. *translate.Client implements it.
type Sender interface {
	Send(ctx context.Context, prompt string) translate.Result
}

type Scheduler struct {
	sender Sender
	logger *zap.Logger

	// immutable
	workers int
}

func NewScheduler(sender Sender, logger *zap.Logger, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}

	return &Scheduler{
		sender:  sender,
		logger:  logger,
		workers: workers,
	}
}

func (s *Scheduler) Workers() int {
	return s.workers
}

type job struct {
	index  int
	prompt string
}

// Process sends every prompt through the Sender with at most Workers calls
// in flight. result[i] always belongs to prompts[i], whatever the completion
// order. A failed prompt does not stop the others.
func (s *Scheduler) Process(ctx context.Context, prompts []string) []translate.Result {
	results := make([]translate.Result, len(prompts))
	if len(prompts) == 0 {
		return results
	}

	workers := s.workers
	if workers > len(prompts) {
		workers = len(prompts)
	}

	s.logger.Info("Processing prompts",
		zap.Int("prompts", len(prompts)),
		zap.Int("workers", workers),
	)
	start := time.Now()

	jobs := make(chan job)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go s.worker(ctx, &wg, w, jobs, results)
	}

	for i, p := range prompts {
		jobs <- job{index: i, prompt: p}
	}
	close(jobs)

	wg.Wait()

	s.logger.Info("Batch finished",
		zap.Int("prompts", len(prompts)),
		zap.Duration("took", time.Since(start)),
	)

	return results
}

// worker drains jobs. Each results slot is written by exactly one worker.
func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, id int, jobs <-chan job, results []translate.Result) {
	defer wg.Done()

	logger := s.logger.With(zap.Int("worker", id))
	for j := range jobs {
		r := s.sender.Send(ctx, j.prompt)
		results[j.index] = r
		logger.Debug("Prompt done",
			zap.Int("index", j.index),
			zap.Stringer("status", r.Status),
			zap.Int("attempts", r.Attempts),
		)
	}
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
}

func Summarize(results []translate.Result) Summary {
	sum := Summary{Total: len(results)}
	for _, r := range results {
		if r.OK() {
			sum.Succeeded++
		} else {
			sum.Failed++
		}
	}
	return sum
}
