package metrics

import (
	"fmt"

	"segforge/internal/tensor"
)

// Argmax returns the highest-scoring class per pixel of NCHW scores.
func Argmax(scores *tensor.Tensor) *tensor.Labels {
	plane := scores.Plane()
	out := tensor.NewLabels(scores.N, scores.H, scores.W, 0)
	for n := 0; n < scores.N; n++ {
		base := n * scores.C * plane
		for p := 0; p < plane; p++ {
			best, bestV := 0, scores.Data[base+p]
			for c := 1; c < scores.C; c++ {
				if v := scores.Data[base+c*plane+p]; v > bestV {
					best, bestV = c, v
				}
			}
			out.Data[n*plane+p] = int32(best)
		}
	}
	return out
}

// Confusion is a numClasses x numClasses matrix indexed [truth][pred].
type Confusion struct {
	classes int
	ignore  int32
	counts  []int64
}

// NewConfusion creates an empty matrix. Pixels labelled ignore (or outside
// [0, classes)) are skipped.
func NewConfusion(classes int, ignore int32) *Confusion {
	return &Confusion{classes: classes, ignore: ignore, counts: make([]int64, classes*classes)}
}

// Add accumulates argmax(scores) against masks.
func (c *Confusion) Add(scores *tensor.Tensor, masks *tensor.Labels) error {
	if scores.N != masks.N || scores.H != masks.H || scores.W != masks.W {
		return fmt.Errorf("metrics: scores %v do not match masks [%d %d %d]", scores, masks.N, masks.H, masks.W)
	}
	pred := Argmax(scores)
	for i, t := range masks.Data {
		if t == c.ignore || t < 0 || int(t) >= c.classes {
			continue
		}
		p := pred.Data[i]
		if int(p) >= c.classes {
			continue
		}
		c.counts[int(t)*c.classes+int(p)]++
	}
	return nil
}

// Merge adds o's counts into c.
func (c *Confusion) Merge(o *Confusion) {
	for i, v := range o.counts {
		c.counts[i] += v
	}
}

// Reset clears the counts.
func (c *Confusion) Reset() {
	for i := range c.counts {
		c.counts[i] = 0
	}
}

// IoU returns per-class intersection over union and whether the class
// appeared (non-empty union).
func (c *Confusion) IoU() ([]float64, []bool) {
	iou := make([]float64, c.classes)
	present := make([]bool, c.classes)
	for k := 0; k < c.classes; k++ {
		tp := c.counts[k*c.classes+k]
		var rowSum, colSum int64
		for j := 0; j < c.classes; j++ {
			rowSum += c.counts[k*c.classes+j]
			colSum += c.counts[j*c.classes+k]
		}
		union := rowSum + colSum - tp
		if union == 0 {
			continue
		}
		present[k] = true
		iou[k] = float64(tp) / float64(union)
	}
	return iou, present
}

// MIoU averages IoU over classes with a non-empty union; 0 if none.
func (c *Confusion) MIoU() float64 {
	iou, present := c.IoU()
	sum, n := 0.0, 0
	for k, ok := range present {
		if ok {
			sum += iou[k]
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// BatchMIoU is the mean IoU of one batch over the classes present in it.
func BatchMIoU(scores *tensor.Tensor, masks *tensor.Labels, classes int, ignore int32) (float64, error) {
	conf := NewConfusion(classes, ignore)
	if err := conf.Add(scores, masks); err != nil {
		return 0, err
	}
	return conf.MIoU(), nil
}
