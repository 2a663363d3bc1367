// Package mods (continued): the parallel split-file uploader.
package mods

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// chunkSize is the write granularity for a split download half.
	chunkSize = 1 << 20 // 1 MiB

	// drainTimeout is the deadline of the context a two-writer split
	// transfer runs under. It cancels rate-limiter waits; a Write that
	// blocks on its writer is not interrupted by it, and a nil-secondary
	// whole-file send runs without it.
	drainTimeout = 120 * time.Second
)

// Uploader serves mod files to clients, serializing concurrent transfers
// globally when UseQueue is set (mirrors the original's use_queue/
// lock_upload behavior, where a single slow disk should not be
// thrashed by many simultaneous large sends).
type Uploader struct {
	Dir        string
	UseQueue   bool
	SpeedLimit int // bytes/sec, 0 = unlimited
}

// uploadMu is the process-wide upload lock shared by every Uploader; it is
// taken only by Uploaders with UseQueue set.
var uploadMu sync.Mutex

// lockIfQueued acquires the global upload lock when UseQueue is set, and
// returns the unlock func to defer.
func (u *Uploader) lockIfQueued() func() {
	if !u.UseQueue {
		return func() {}
	}
	uploadMu.Lock()
	return uploadMu.Unlock
}

// SendSplit delivers path over two writers in parallel: the file is cut
// at the midpoint, primary streams the first half and secondary the
// second, so a client with two open reliable sockets can pull both
// halves concurrently. Either writer may be nil to fall back to sending
// the entire file over the other. Each half is throttled to half of
// SpeedLimit so the two halves together respect the configured rate.
func (u *Uploader) SendSplit(ctx context.Context, path string, primary, secondary io.Writer) error {
	unlock := u.lockIfQueued()
	defer unlock()

	full := filepath.Join(u.Dir, path)
	f, err := os.Open(full)
	if err != nil {
		return fmt.Errorf("mods: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("mods: stat %s: %w", path, err)
	}

	if secondary == nil {
		return u.sendWhole(ctx, f, primary, 0, info.Size(), u.SpeedLimit)
	}
	if primary == nil {
		return u.sendWhole(ctx, f, secondary, 0, info.Size(), u.SpeedLimit)
	}

	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	size := info.Size()
	mid := size / 2
	halfLimit := u.SpeedLimit / 2

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return u.sendWhole(ctx, f, primary, 0, mid, halfLimit) })
	g.Go(func() error { return u.sendWhole(ctx, f, secondary, mid, size, halfLimit) })
	return g.Wait()
}

// sendWhole streams the byte range [start, end) of f to w in chunkSize
// writes, each independently positioned via ReadAt so two halves may run
// concurrently against the same *os.File without a shared cursor.
func (u *Uploader) sendWhole(ctx context.Context, f *os.File, w io.Writer, start, end int64, speedLimit int) error {
	limiter := u.limiter(speedLimit)
	buf := make([]byte, chunkSize)
	offset := start
	for offset < end {
		n := chunkSize
		if remaining := end - offset; remaining < int64(chunkSize) {
			n = int(remaining)
		}
		read, err := f.ReadAt(buf[:n], offset)
		if read > 0 {
			if err := u.throttledWrite(ctx, limiter, w, buf[:read]); err != nil {
				return err
			}
			offset += int64(read)
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("mods: read at %d: %w", offset, err)
		}
		if err == io.EOF {
			break
		}
	}
	return nil
}

func (u *Uploader) limiter(speedLimit int) *rate.Limiter {
	if speedLimit <= 0 {
		return nil
	}
	burst := speedLimit
	if burst < chunkSize {
		burst = chunkSize
	}
	return rate.NewLimiter(rate.Limit(speedLimit), burst)
}

func (u *Uploader) throttledWrite(ctx context.Context, limiter *rate.Limiter, w io.Writer, data []byte) error {
	if limiter != nil {
		if err := limiter.WaitN(ctx, len(data)); err != nil {
			return fmt.Errorf("mods: rate wait: %w", err)
		}
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("mods: write: %w", err)
	}
	return nil
}

// HumanSize formats size for operator-facing logs (e.g. heartbeat/mod
// sync diagnostics).
func HumanSize(size int64) string {
	return humanize.Bytes(uint64(size))
}
