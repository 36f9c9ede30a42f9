package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"

	"segforge/internal/model"
	"segforge/internal/tensor"
)

// Source produces one pass of undecoded samples per epoch.
type Source interface {
	// Len is the number of samples in one pass.
	Len() int
	// Open starts a pass for epoch. The sample channel closes at the end of
	// the pass; the error channel then yields at most one error.
	Open(ctx context.Context, epoch int) (<-chan RawSample, <-chan error, error)
}

// DirSource reads LoveDA-style directory trees.
type DirSource struct {
	pairs   []PairPath
	shuffle bool
	seed    int64
}

// NewDirSource discovers image/mask pairs under every root.
func NewDirSource(roots []string, shuffle bool, seed int64) (*DirSource, error) {
	var pairs []PairPath
	for _, root := range roots {
		found, err := DiscoverPairs(root)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, found...)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no image/mask pairs under %v", roots)
	}
	return &DirSource{pairs: pairs, shuffle: shuffle, seed: seed}, nil
}

func (s *DirSource) Len() int { return len(s.pairs) }

// Open interleaves domains round-robin. With shuffling on, the order within
// each domain is permuted by seed+epoch.
func (s *DirSource) Open(ctx context.Context, epoch int) (<-chan RawSample, <-chan error, error) {
	byDomain := make(map[string][]string)
	lookup := make(map[string]PairPath, len(s.pairs))
	for _, p := range s.pairs {
		byDomain[p.Domain] = append(byDomain[p.Domain], p.Image)
		lookup[p.Image] = p
	}
	var rng *rand.Rand
	if s.shuffle {
		rng = rand.New(rand.NewSource(s.seed + int64(epoch)))
	}
	order := buildRoundRobinOrder(byDomain, rng)

	out := make(chan RawSample)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for _, entry := range order {
			p := lookup[entry.path]
			img, err := os.ReadFile(p.Image)
			if err != nil {
				errCh <- fmt.Errorf("read image: %w", err)
				return
			}
			mask, err := os.ReadFile(p.Mask)
			if err != nil {
				errCh <- fmt.Errorf("read mask: %w", err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case out <- RawSample{Key: p.Key, Domain: p.Domain, Image: img, Mask: mask}:
			}
		}
	}()
	return out, errCh, nil
}

// ShardSource reads WebDataset tar shards grouped by domain.
type ShardSource struct {
	roots   map[string][]string
	count   int
	shuffle bool
	seed    int64
	workers int
}

// NewShardSource discovers shards under every root and counts their samples.
func NewShardSource(roots []string, shuffle bool, seed int64, workers int) (*ShardSource, error) {
	grouped := make(map[string][]string)
	count := 0
	for _, root := range roots {
		byDomain, err := ShardsByDomain(root)
		if err != nil {
			return nil, err
		}
		for domain, shards := range byDomain {
			for _, shard := range shards {
				n, err := CountShard(shard)
				if err != nil {
					return nil, err
				}
				count += n
			}
			grouped[domain] = append(grouped[domain], shards...)
		}
	}
	if len(grouped) == 0 {
		return nil, fmt.Errorf("no shards under %v", roots)
	}
	return &ShardSource{roots: grouped, count: count, shuffle: shuffle, seed: seed, workers: workers}, nil
}

func (s *ShardSource) Len() int { return s.count }

func (s *ShardSource) Open(ctx context.Context, epoch int) (<-chan RawSample, <-chan error, error) {
	return StartSampler(ctx, SamplerOptions{
		Roots:      s.roots,
		Seed:       s.seed + int64(epoch),
		Shuffle:    s.shuffle,
		NumWorkers: s.workers,
	})
}

// NewSource picks ShardSource when the first root holds tar shards and
// DirSource otherwise.
func NewSource(roots []string, shuffle bool, seed int64, workers int) (Source, error) {
	if len(roots) == 0 {
		return nil, errors.New("dataset: no roots")
	}
	shards, err := DiscoverShards(roots[0])
	if err != nil {
		return nil, err
	}
	if len(shards) > 0 {
		return NewShardSource(roots, shuffle, seed, workers)
	}
	return NewDirSource(roots, shuffle, seed)
}

// LoaderOptions configures batching and decoding.
type LoaderOptions struct {
	BatchSize  int
	DropLast   bool
	NumWorkers int
	Seed       int64
	Pipeline   Pipeline
	Codec      MaskCodec
}

// Loader turns a Source into batches of normalized tensors.
type Loader struct {
	src  Source
	opts LoaderOptions
}

// NewLoader validates opts and wraps src.
func NewLoader(src Source, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("loader: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	return &Loader{src: src, opts: opts}, nil
}

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	n := l.src.Len()
	if l.opts.DropLast {
		return n / l.opts.BatchSize
	}
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

type decodeJob struct {
	index int
	raw   RawSample
	res   chan<- decodeResult
}

type decodeResult struct {
	key   string
	image *tensor.Tensor
	mask  *tensor.Labels
	err   error
}

// Epoch starts a pass. Samples are decoded and augmented by NumWorkers
// goroutines and reassembled in source order; augmentation randomness is
// seeded per sample from (seed, epoch, index), so a pass is reproducible.
func (l *Loader) Epoch(parent context.Context, epoch int) (*Iterator, error) {
	ctx, cancel := context.WithCancel(parent)
	raws, rawErrs, err := l.src.Open(ctx, epoch)
	if err != nil {
		cancel()
		return nil, err
	}

	workers := l.opts.NumWorkers
	jobs := make(chan decodeJob, workers)
	ordered := make(chan chan decodeResult, workers*max(2, l.opts.BatchSize))
	batches := make(chan model.Batch, workers)
	it := &Iterator{batches: batches, cancel: cancel, errc: make(chan error, 1)}

	go func() {
		defer close(jobs)
		defer close(ordered)
		index := 0
		for raw := range raws {
			res := make(chan decodeResult, 1)
			select {
			case <-ctx.Done():
				return
			case ordered <- res:
			}
			select {
			case <-ctx.Done():
				return
			case jobs <- decodeJob{index: index, raw: raw, res: res}:
			}
			index++
		}
		if err := <-rawErrs; err != nil {
			res := make(chan decodeResult, 1)
			res <- decodeResult{err: err}
			select {
			case <-ctx.Done():
			case ordered <- res:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				job.res <- l.decode(epoch, job)
			}
		}()
	}

	go func() {
		defer close(batches)
		err := l.assemble(ctx, ordered, batches)
		if err != nil && !errors.Is(err, context.Canceled) {
			it.errc <- err
		}
		cancel()
		wg.Wait()
	}()

	return it, nil
}

func (l *Loader) decode(epoch int, job decodeJob) decodeResult {
	d, err := DecodeSample(job.raw, l.opts.Codec)
	if err != nil {
		return decodeResult{err: err}
	}
	rng := rand.New(rand.NewSource(sampleSeed(l.opts.Seed, epoch, job.index)))
	img, mask := l.opts.Pipeline.Apply(rng, d)
	return decodeResult{key: job.raw.Key, image: img, mask: mask}
}

func sampleSeed(seed int64, epoch, index int) int64 {
	return seed*1_000_003 + int64(epoch)<<32 + int64(index)
}

func (l *Loader) assemble(ctx context.Context, ordered <-chan chan decodeResult, out chan<- model.Batch) error {
	var keys []string
	var images []*tensor.Tensor
	var masks []*tensor.Labels
	flush := func() error {
		if len(images) == 0 {
			return nil
		}
		if l.opts.DropLast && len(images) < l.opts.BatchSize {
			return nil
		}
		x, err := tensor.Stack(images)
		if err != nil {
			return fmt.Errorf("batch images: %w", err)
		}
		y, err := tensor.StackLabels(masks)
		if err != nil {
			return fmt.Errorf("batch masks: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- model.Batch{Keys: keys, Images: x, Masks: y}:
		}
		keys, images, masks = nil, nil, nil
		return nil
	}
	for {
		var res chan decodeResult
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok = <-ordered:
		}
		if !ok {
			return flush()
		}
		var r decodeResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r = <-res:
		}
		if r.err != nil {
			return r.err
		}
		keys = append(keys, r.key)
		images = append(images, r.image)
		masks = append(masks, r.mask)
		if len(images) == l.opts.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// Iterator yields the batches of one epoch.
type Iterator struct {
	batches <-chan model.Batch
	cancel  context.CancelFunc
	errc    chan error
}

// Next returns the next batch, or io.EOF once the pass is exhausted.
func (it *Iterator) Next(ctx context.Context) (model.Batch, error) {
	select {
	case <-ctx.Done():
		return model.Batch{}, ctx.Err()
	case b, ok := <-it.batches:
		if ok {
			return b, nil
		}
	}
	select {
	case err := <-it.errc:
		return model.Batch{}, err
	default:
		return model.Batch{}, io.EOF
	}
}

// NextImages returns only the images of the next batch.
func (it *Iterator) NextImages(ctx context.Context) (*tensor.Tensor, error) {
	b, err := it.Next(ctx)
	if err != nil {
		return nil, err
	}
	return b.Images, nil
}

// Close stops the pass and releases its goroutines.
func (it *Iterator) Close() {
	it.cancel()
	for range it.batches {
	}
}
