package dataset

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// DiscoverShards returns absolute paths to shard TAR files beneath root.
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

// DiscoverFiles maps each MNIST file stem to the first matching IDX file
// beneath root, in lexical walk order. Uncompressed files win over .gz
// siblings in the same directory. A missing root yields an empty map.
func DiscoverFiles(root string) (map[string]string, error) {
	found := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		stem := strings.TrimSuffix(name, ".gz")
		if !isMNISTStem(stem) {
			return nil
		}
		prev, ok := found[stem]
		if !ok || (filepath.Dir(prev) == filepath.Dir(path) && strings.HasSuffix(prev, ".gz") && stem == name) {
			found[stem] = path
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return found, nil
	}
	if err != nil {
		return nil, fmt.Errorf("discover mnist files: %w", err)
	}
	return found, nil
}

func isMNISTStem(stem string) bool {
	for _, s := range mnistFiles {
		if s == stem {
			return true
		}
	}
	return false
}
