package dataset

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
)

// SamplerOptions configures one pass of the multi-domain shard sampler.
type SamplerOptions struct {
	Roots      map[string][]string
	Seed       int64
	Shuffle    bool
	NumWorkers int
	PendingCap int
}

// StartSampler streams every shard of every domain once, interleaving
// domains round-robin. Shards are opened by NumWorkers goroutines but samples
// are emitted in job order, so a given seed yields a fixed sequence.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan RawSample, <-chan error, error) {
	if len(opts.Roots) == 0 {
		return nil, nil, errors.New("sampler: no dataset roots provided")
	}
	total := 0
	for _, shards := range opts.Roots {
		total += len(shards)
	}
	if total == 0 {
		return nil, nil, errors.New("sampler: no shards discovered")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan shardJob, opts.NumWorkers)
	cursors := make(chan shardCursor, opts.NumWorkers)
	out := make(chan RawSample, opts.NumWorkers*2)
	errCh := make(chan error, opts.NumWorkers)

	var rng *rand.Rand
	if opts.Shuffle {
		rng = rand.New(rand.NewSource(opts.Seed))
	}

	go produceJobs(ctx, jobs, opts.Roots, rng)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, jobs, cursors, opts.PendingCap)
		}()
	}

	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		runAggregator(ctx, cursors, out, errCh)
	}()

	return out, errCh, nil
}

type shardJob struct {
	id   int64
	root string
	path string
}

type shardCursor struct {
	id      int64
	root    string
	samples <-chan RawSample
	errCh   <-chan error
}

func worker(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor, pendingCap int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			samples, errCh := StreamShard(ctx, job.path, pendingCap)
			cursor := shardCursor{id: job.id, root: job.root, samples: samples, errCh: errCh}
			select {
			case <-ctx.Done():
				return
			case cursors <- cursor:
			}
		}
	}
}

func runAggregator(ctx context.Context, cursors <-chan shardCursor, out chan<- RawSample, errCh chan<- error) {
	pending := make(map[int64]shardCursor)
	var nextID int64
	for {
		cursor, ok := pending[nextID]
		if !ok {
			select {
			case <-ctx.Done():
				return
			case cursor, ok = <-cursors:
				if !ok {
					return
				}
				pending[cursor.id] = cursor
			}
			continue
		}

	drain:
		for {
			select {
			case <-ctx.Done():
				return
			case sample, ok := <-cursor.samples:
				if !ok {
					break drain
				}
				sample.Domain = cursor.root
				select {
				case <-ctx.Done():
					return
				case out <- sample:
				}
			}
		}

		if err := <-cursor.errCh; err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			return
		}
		delete(pending, nextID)
		nextID++
	}
}

func produceJobs(ctx context.Context, jobs chan<- shardJob, roots map[string][]string, rng *rand.Rand) {
	defer close(jobs)
	var jobID int64
	for _, entry := range buildRoundRobinOrder(roots, rng) {
		select {
		case <-ctx.Done():
			return
		case jobs <- shardJob{id: jobID, root: entry.root, path: entry.path}:
			jobID++
		}
	}
}

type orderEntry struct {
	root string
	path string
}

// buildRoundRobinOrder takes one item from each root in turn (roots sorted
// by name), shuffling within each root first when rng is non-nil.
func buildRoundRobinOrder(roots map[string][]string, rng *rand.Rand) []orderEntry {
	rootNames := make([]string, 0, len(roots))
	copied := make(map[string][]string, len(roots))
	for root, items := range roots {
		if len(items) == 0 {
			continue
		}
		rootNames = append(rootNames, root)
		copied[root] = append([]string(nil), items...)
	}
	sort.Strings(rootNames)
	if rng != nil {
		for _, root := range rootNames {
			items := copied[root]
			rng.Shuffle(len(items), func(i, j int) {
				items[i], items[j] = items[j], items[i]
			})
		}
	}
	var order []orderEntry
	for {
		advanced := false
		for _, root := range rootNames {
			items := copied[root]
			if len(items) == 0 {
				continue
			}
			order = append(order, orderEntry{root: root, path: items[0]})
			copied[root] = items[1:]
			advanced = true
		}
		if !advanced {
			break
		}
	}
	return order
}
