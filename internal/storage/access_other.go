//go:build !unix

package storage

import (
	"fmt"
	"os"
)

func checkWritable(path string) error {
	f, err := os.CreateTemp(path, ".stagehand-probe-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", path, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
