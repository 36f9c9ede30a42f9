package model

// Kernels operate on a single sample in CHW layout. Backward kernels
// accumulate into the gradient slices they are given.

// conv3x3Forward computes a stride-1, zero-padded 3x3 convolution.
func conv3x3Forward(out, in, w, b []float32, cin, cout, h, wd int) {
	plane := h * wd
	for o := 0; o < cout; o++ {
		dst := out[o*plane : (o+1)*plane]
		for i := range dst {
			dst[i] = b[o]
		}
		for c := 0; c < cin; c++ {
			src := in[c*plane : (c+1)*plane]
			kern := w[(o*cin+c)*9 : (o*cin+c+1)*9]
			for ky := 0; ky < 3; ky++ {
				for kx := 0; kx < 3; kx++ {
					k := kern[ky*3+kx]
					if k == 0 {
						continue
					}
					dy, dx := ky-1, kx-1
					for y := max(0, -dy); y < min(h, h-dy); y++ {
						row := dst[y*wd : (y+1)*wd]
						srow := src[(y+dy)*wd : (y+dy+1)*wd]
						for x := max(0, -dx); x < min(wd, wd-dx); x++ {
							row[x] += k * srow[x+dx]
						}
					}
				}
			}
		}
	}
}

// conv3x3Backward accumulates weight and bias gradients. The input gradient
// is not needed because the convolution reads the network input.
func conv3x3Backward(dw, db, dout, in []float32, cin, cout, h, wd int) {
	plane := h * wd
	for o := 0; o < cout; o++ {
		g := dout[o*plane : (o+1)*plane]
		for _, v := range g {
			db[o] += v
		}
		for c := 0; c < cin; c++ {
			src := in[c*plane : (c+1)*plane]
			kern := dw[(o*cin+c)*9 : (o*cin+c+1)*9]
			for ky := 0; ky < 3; ky++ {
				for kx := 0; kx < 3; kx++ {
					dy, dx := ky-1, kx-1
					var sum float32
					for y := max(0, -dy); y < min(h, h-dy); y++ {
						grow := g[y*wd : (y+1)*wd]
						srow := src[(y+dy)*wd : (y+dy+1)*wd]
						for x := max(0, -dx); x < min(wd, wd-dx); x++ {
							sum += grow[x] * srow[x+dx]
						}
					}
					kern[ky*3+kx] += sum
				}
			}
		}
	}
}

// pointwiseForward computes a 1x1 convolution: out[o] = b[o] + sum_i w[o,i]*in[i].
func pointwiseForward(out, in, w, b []float32, cin, cout, plane int) {
	for o := 0; o < cout; o++ {
		dst := out[o*plane : (o+1)*plane]
		for p := range dst {
			dst[p] = b[o]
		}
		for i := 0; i < cin; i++ {
			k := w[o*cin+i]
			src := in[i*plane : (i+1)*plane]
			for p, v := range src {
				dst[p] += k * v
			}
		}
	}
}

// pointwiseBackward accumulates dw, db and, when din is non-nil, din.
func pointwiseBackward(din, dw, db, dout, in, w []float32, cin, cout, plane int) {
	for o := 0; o < cout; o++ {
		g := dout[o*plane : (o+1)*plane]
		for _, v := range g {
			db[o] += v
		}
		for i := 0; i < cin; i++ {
			src := in[i*plane : (i+1)*plane]
			var sum float32
			for p, v := range g {
				sum += v * src[p]
			}
			dw[o*cin+i] += sum
			if din != nil {
				k := w[o*cin+i]
				dst := din[i*plane : (i+1)*plane]
				for p, v := range g {
					dst[p] += k * v
				}
			}
		}
	}
}

// linearForward computes out = w*in + b for vectors.
func linearForward(out, in, w, b []float32, cin, cout int) {
	pointwiseForward(out, in, w, b, cin, cout, 1)
}

func reluForward(out, in []float32) {
	for i, v := range in {
		if v > 0 {
			out[i] = v
		} else {
			out[i] = 0
		}
	}
}

// reluBackward masks grad in place where the pre-activation was <= 0.
func reluBackward(grad, pre []float32) {
	for i, v := range pre {
		if v <= 0 {
			grad[i] = 0
		}
	}
}

// channelMean averages each channel plane.
func channelMean(out, in []float32, channels, plane int) {
	inv := 1 / float32(plane)
	for c := 0; c < channels; c++ {
		var sum float32
		for _, v := range in[c*plane : (c+1)*plane] {
			sum += v
		}
		out[c] = sum * inv
	}
}
