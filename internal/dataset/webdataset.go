package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// RawSample is an undecoded image/mask pair.
type RawSample struct {
	Key    string
	Domain string
	Image  []byte
	Mask   []byte
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// splitEntryName splits a shard member name WebDataset-style: the key is
// everything before the first dot of the base name, the extension the rest.
func splitEntryName(name string) (key, ext string) {
	base := filepath.Base(name)
	i := strings.IndexByte(base, '.')
	if i < 0 {
		return base, ""
	}
	return base[:i], strings.ToLower(base[i+1:])
}

func isImageExt(ext string) bool {
	switch ext {
	case "jpg", "jpeg", "png", "image.png", "image.jpg", "image.jpeg":
		return true
	}
	return false
}

func isMaskExt(ext string) bool {
	return ext == "mask.png" || ext == "seg.png"
}

// StreamShard streams paired samples from the shard at path.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan RawSample, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan RawSample)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- fmt.Errorf("open shard: %w", err)
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- fmt.Errorf("read tar: %w", err)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			key, ext := splitEntryName(hdr.Name)
			var isMask bool
			switch {
			case isMaskExt(ext):
				isMask = true
			case isImageExt(ext):
			default:
				continue
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				errCh <- fmt.Errorf("read %s: %w", hdr.Name, err)
				return
			}
			part := pending[key]
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			if isMask {
				part.mask = data
			} else {
				part.image = data
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready() {
				sample := RawSample{Key: key, Image: part.image, Mask: part.mask}
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- sample:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- fmt.Errorf("%s: %d samples incomplete", filepath.Base(path), len(pending))
		}
	}()

	return out, errCh
}

// CountShard returns the number of complete image/mask pairs in a shard
// without reading member payloads.
func CountShard(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()
	tr := tar.NewReader(bufio.NewReader(f))
	images := make(map[string]bool)
	masks := make(map[string]bool)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read tar %s: %w", path, err)
		}
		key, ext := splitEntryName(hdr.Name)
		switch {
		case isMaskExt(ext):
			masks[key] = true
		case isImageExt(ext):
			images[key] = true
		}
	}
	n := 0
	for key := range images {
		if masks[key] {
			n++
		}
	}
	return n, nil
}

type partial struct {
	image []byte
	mask  []byte
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && len(p.mask) > 0
}
