// SPDX-License-Identifier: LGPL-3.0-or-later

// Package bandwidth throttles copier transfers to a configured rate.
package bandwidth

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"backupvault/logger"
)

// Limiter caps transfer throughput across all copiers sharing it.
type Limiter struct {
	limiter          *rate.Limiter
	log              logger.Logger
	bytesTransferred int64
	startTime        time.Time
}

// Config configures a Limiter. MaxBytesPerSecond <= 0 disables limiting.
type Config struct {
	MaxBytesPerSecond int64
	BurstSize         int64
}

// New creates a Limiter. A nil config, or MaxBytesPerSecond <= 0, returns an
// unlimited Limiter whose Wait calls are no-ops.
func New(config *Config, log logger.Logger) *Limiter {
	if config == nil || config.MaxBytesPerSecond <= 0 {
		return &Limiter{log: log, startTime: time.Now()}
	}

	burst := config.BurstSize
	if burst <= 0 {
		burst = config.MaxBytesPerSecond * 2
	}

	log.Info("bandwidth limiter created",
		"limit_mbps", float64(config.MaxBytesPerSecond)/1024/1024,
		"burst_mb", float64(burst)/1024/1024)

	return &Limiter{
		limiter:   rate.NewLimiter(rate.Limit(config.MaxBytesPerSecond), int(burst)),
		log:       log,
		startTime: time.Now(),
	}
}

// Wait blocks until n bytes' worth of tokens are available.
func (l *Limiter) Wait(ctx context.Context, n int64) error {
	if l.limiter == nil {
		return nil
	}
	if err := l.limiter.WaitN(ctx, int(n)); err != nil {
		return err
	}
	atomic.AddInt64(&l.bytesTransferred, n)
	return nil
}

// Stats reports cumulative throughput.
type Stats struct {
	BytesTransferred int64
	Duration         time.Duration
	AverageSpeed     float64
}

func (l *Limiter) Stats() Stats {
	transferred := atomic.LoadInt64(&l.bytesTransferred)
	duration := time.Since(l.startTime)
	var avg float64
	if duration.Seconds() > 0 {
		avg = float64(transferred) / duration.Seconds()
	}
	return Stats{BytesTransferred: transferred, Duration: duration, AverageSpeed: avg}
}

// Reader wraps an io.Reader, applying the limiter to every Read.
type Reader struct {
	r       io.Reader
	limiter *Limiter
	ctx     context.Context
}

func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) *Reader {
	return &Reader{r: r, limiter: limiter, ctx: ctx}
}

func (lr *Reader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if n > 0 && lr.limiter != nil {
		if waitErr := lr.limiter.Wait(lr.ctx, int64(n)); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

// Writer wraps an io.Writer, applying the limiter before every Write.
type Writer struct {
	w       io.Writer
	limiter *Limiter
	ctx     context.Context
}

func NewWriter(ctx context.Context, w io.Writer, limiter *Limiter) *Writer {
	return &Writer{w: w, limiter: limiter, ctx: ctx}
}

func (lw *Writer) Write(p []byte) (int, error) {
	if lw.limiter != nil {
		if err := lw.limiter.Wait(lw.ctx, int64(len(p))); err != nil {
			return 0, err
		}
	}
	return lw.w.Write(p)
}

// FormatSpeed renders bytes/sec as a human-readable rate.
func FormatSpeed(bytesPerSecond float64) string {
	const unit = 1024
	if bytesPerSecond < unit {
		return "< 1 KB/s"
	}
	div := float64(unit)
	exp := 0
	for n := bytesPerSecond / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"KB/s", "MB/s", "GB/s", "TB/s"}
	if exp >= len(units) {
		exp = len(units) - 1
	}
	return fmt.Sprintf("%.2f %s", bytesPerSecond/div, units[exp])
}
