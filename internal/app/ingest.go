package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"fraud-anomaly-scoring/internal/domain"
	"fraud-anomaly-scoring/internal/ingest"
	"fraud-anomaly-scoring/internal/pipeline"
)

// ReplayStats summarises an NDJSON replay.
type ReplayStats struct {
	Lines     int64
	Stored    int64
	Duplicate int64
	Rejected  int64
	Failed    int64
	Flagged   int64
}

// IngestFile replays an NDJSON file of events ("-" reads stdin).
func (a *App) IngestFile(ctx context.Context, opts IngestOptions) error {
	rt, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if opts.Score {
		if _, err := rt.pipeline.Reload(ctx); err != nil {
			return err
		}
	}

	var in io.Reader = os.Stdin
	if opts.Path != "-" {
		f, err := os.Open(opts.Path)
		if err != nil {
			return fmt.Errorf("open %s: %w", opts.Path, err)
		}
		defer f.Close()
		in = f
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = a.Config.Ingest.Workers
	}
	stats, err := replay(ctx, rt.pipeline, in, workers, opts.Score)
	a.Logger.Info().
		Int64("lines", stats.Lines).
		Int64("stored", stats.Stored).
		Int64("duplicate", stats.Duplicate).
		Int64("rejected", stats.Rejected).
		Int64("failed", stats.Failed).
		Int64("flagged", stats.Flagged).
		Msg("回放完成")
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return errors.New("部分事件处理失败，请检查日志")
	}
	return nil
}

// replay fans lines out to workers by user ID so each user's events are
// processed in file order.
func replay(ctx context.Context, p *pipeline.Pipeline, in io.Reader, workers int, score bool) (*ReplayStats, error) {
	if workers <= 0 {
		workers = 1
	}
	stats := &ReplayStats{}
	g, gctx := errgroup.WithContext(ctx)

	queues := make([]chan ingest.Request, workers)
	for i := range queues {
		queues[i] = make(chan ingest.Request, 64)
		queue := queues[i]
		g.Go(func() error {
			for req := range queue {
				processReplayed(gctx, p, req, score, stats)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			atomic.AddInt64(&stats.Lines, 1)
			var req ingest.Request
			if err := json.Unmarshal(line, &req); err != nil {
				atomic.AddInt64(&stats.Rejected, 1)
				continue
			}
			select {
			case queues[shard(req.UserID, workers)] <- req:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return scanner.Err()
	})

	return stats, g.Wait()
}

func processReplayed(ctx context.Context, p *pipeline.Pipeline, req ingest.Request, score bool, stats *ReplayStats) {
	if score {
		out, err := p.Score(ctx, req)
		if err != nil {
			countFailure(err, stats)
			return
		}
		atomic.AddInt64(&stats.Stored, 1)
		if out.Score.Result.Flagged {
			atomic.AddInt64(&stats.Flagged, 1)
		}
		return
	}

	res, err := p.Ingest(ctx, req)
	if err != nil {
		countFailure(err, stats)
		return
	}
	if res.Duplicate {
		atomic.AddInt64(&stats.Duplicate, 1)
		return
	}
	atomic.AddInt64(&stats.Stored, 1)
}

func countFailure(err error, stats *ReplayStats) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		atomic.AddInt64(&stats.Rejected, 1)
		return
	}
	atomic.AddInt64(&stats.Failed, 1)
}

func shard(userID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(n))
}
