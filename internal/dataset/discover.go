package dataset

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

const (
	imagesDir = "images_png"
	masksDir  = "masks_png"
)

// DiscoverShards returns paths to shard TAR files beneath root.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	sort.Strings(entries)
	return entries, nil
}

// ShardsByDomain groups shards by the name of the directory directly under
// root that contains them ("Urban", "Rural"). Shards placed at root itself
// fall under the root's base name.
func ShardsByDomain(root string) (map[string][]string, error) {
	shards, err := DiscoverShards(root)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, s := range shards {
		d := domainOf(root, s)
		out[d] = append(out[d], s)
	}
	return out, nil
}

// PairPath locates one image and its mask on disk.
type PairPath struct {
	Key    string
	Domain string
	Image  string
	Mask   string
}

// DiscoverPairs walks a LoveDA-style tree, <root>/<Domain>/images_png/*.png
// with same-named files in the sibling masks_png directory. Images without a
// mask are an error.
func DiscoverPairs(root string) ([]PairPath, error) {
	var pairs []PairPath
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Base(filepath.Dir(path)) != imagesDir {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
			return nil
		}
		stem := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		mask := filepath.Join(filepath.Dir(filepath.Dir(path)), masksDir, stem+".png")
		if _, err := os.Stat(mask); err != nil {
			return fmt.Errorf("mask for %s: %w", path, err)
		}
		pairs = append(pairs, PairPath{
			Key:    stem,
			Domain: domainOf(root, path),
			Image:  path,
			Mask:   mask,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover pairs: %w", err)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Domain != pairs[j].Domain {
			return pairs[i].Domain < pairs[j].Domain
		}
		return pairs[i].Key < pairs[j].Key
	})
	return pairs, nil
}

func domainOf(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.Base(root)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) <= 1 || parts[0] == imagesDir {
		return filepath.Base(root)
	}
	return parts[0]
}
