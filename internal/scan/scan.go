// Package scan checks whether a remote file is still being written to
// before the pipeline admits it as a job.
package scan

import (
	"context"
	"fmt"
	"time"
)

// statter is the narrow remote-stat surface scan needs. Callers adapt
// *transfer.Facade's Stat to it through StatFunc.
type statter interface {
	Stat(ctx context.Context, path string) (size int64, err error)
}

// StatFunc adapts a plain function to statter.
type StatFunc func(ctx context.Context, path string) (int64, error)

func (f StatFunc) Stat(ctx context.Context, path string) (int64, error) { return f(ctx, path) }

// CheckRemoteStable compares a remote file's size at two points in
// time separated by wait, returning false if the size changed — the
// signal an upstream writer is still uploading to the origin and the
// pipeline should defer admission rather than download a partial file.
// wait <= 0 skips the check and reports the file stable.
func CheckRemoteStable(ctx context.Context, client statter, remotePath string, wait time.Duration) (bool, error) {
	if wait <= 0 {
		return true, nil
	}

	size0, err := client.Stat(ctx, remotePath)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", remotePath, err)
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(wait):
	}

	size1, err := client.Stat(ctx, remotePath)
	if err != nil {
		return false, fmt.Errorf("stat %s after wait: %w", remotePath, err)
	}

	return size0 == size1, nil
}
