package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"segforge/internal/dataset"
	"segforge/internal/loss"
	"segforge/internal/metrics"
	"segforge/internal/model"
)

// EvalConfig parameterizes a validation pass.
type EvalConfig struct {
	NumClasses  int
	IgnoreIndex int32
	UseAux      bool
	AuxWeight   float64
	// Epoch selects the pass of the source; validation sources are not
	// shuffled so it only matters for logging.
	Epoch int
}

// EvalReport is the outcome of a validation pass. Loss and MIoU are means
// over batches; ClassIoU is accumulated over every pixel of the pass.
type EvalReport struct {
	Loss     float64
	MIoU     float64
	ClassIoU []float64
	Batches  int
}

// Evaluate runs net without gradients over one pass of src.
func Evaluate(ctx context.Context, net model.Network, crit loss.Criterion, src BatchSource, cfg EvalConfig) (EvalReport, error) {
	it, err := src.Epoch(ctx, cfg.Epoch)
	if err != nil {
		return EvalReport{}, err
	}
	defer it.Close()

	var lossMean, miouMean metrics.Mean
	conf := metrics.NewConfusion(cfg.NumClasses, cfg.IgnoreIndex)
	for {
		batch, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return EvalReport{}, err
		}
		out, err := net.Forward(ctx, batch.Images, false)
		if err != nil {
			return EvalReport{}, err
		}
		aux := out.Aux
		if !cfg.UseAux {
			aux = nil
		}
		terms, err := loss.Combine(crit, out.Main, aux, batch.Masks, cfg.AuxWeight, false)
		if err != nil {
			return EvalReport{}, fmt.Errorf("batch %d: %w", lossMean.Count+1, err)
		}
		miou, err := metrics.BatchMIoU(out.Main, batch.Masks, cfg.NumClasses, cfg.IgnoreIndex)
		if err != nil {
			return EvalReport{}, err
		}
		if err := conf.Add(out.Main, batch.Masks); err != nil {
			return EvalReport{}, err
		}
		lossMean.Add(terms.Value())
		miouMean.Add(miou)
	}
	if lossMean.Count == 0 {
		return EvalReport{}, errors.New("validation pass yielded no batches")
	}
	iou, _ := conf.IoU()
	return EvalReport{
		Loss:     lossMean.Value(),
		MIoU:     miouMean.Value(),
		ClassIoU: iou,
		Batches:  lossMean.Count,
	}, nil
}

// FromLoader adapts a dataset loader to a BatchSource.
func FromLoader(l *dataset.Loader) BatchSource {
	return loaderSource{l}
}

type loaderSource struct {
	l *dataset.Loader
}

func (s loaderSource) Len() int { return s.l.Len() }

func (s loaderSource) Epoch(ctx context.Context, epoch int) (Batches, error) {
	return s.l.Epoch(ctx, epoch)
}
