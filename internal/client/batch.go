package client

import (
	"context"
	"sync"

	"uploadsvc/internal/logging"
)

// BatchResult summarizes the outcome of one file in a batch upload.
type BatchResult struct {
	Path      string
	UploadURI string
	Err       error
}

// BatchSummary is the aggregate outcome of UploadBatch.
type BatchSummary struct {
	Completed int
	Failed    int
	Results   []BatchResult
}

// UploadBatch uploads every path in paths, bounded to Config.MaxConcurrent
// simultaneous uploads via a buffered-channel semaphore, with a fixed pool
// of Config.ThreadPoolSize worker goroutines draining a shared work
// queue — the same two-part shape (bounded semaphore + worker pool) the
// teacher uses for its async webhook dispatch and cleanup-job shutdown
// coordination, generalized here to file uploads instead of HTTP calls.
func (c *Client) UploadBatch(ctx context.Context, paths []string) BatchSummary {
	poolSize := c.Config.ThreadPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	maxConcurrent := c.Config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)
	work := make(chan string)

	var (
		mu      sync.Mutex
		results []BatchResult
	)

	var workers sync.WaitGroup
	workers.Add(poolSize)
	for i := 0; i < poolSize; i++ {
		go func() {
			defer workers.Done()
			for path := range work {
				sem <- struct{}{}
				uploadURI, err := c.UploadFile(ctx, path)
				<-sem

				if err != nil {
					logging.Warn("batch_upload_failed", map[string]any{"path": path, "error": err.Error()})
				} else {
					logging.Info("batch_upload_completed", map[string]any{"path": path, "upload_uri": uploadURI})
				}

				mu.Lock()
				results = append(results, BatchResult{Path: path, UploadURI: uploadURI, Err: err})
				mu.Unlock()
			}
		}()
	}

	go func() {
		defer close(work)
		for _, path := range paths {
			select {
			case work <- path:
			case <-ctx.Done():
				return
			}
		}
	}()

	workers.Wait()

	summary := BatchSummary{Results: results}
	for _, r := range results {
		if r.Err != nil {
			summary.Failed++
		} else {
			summary.Completed++
		}
	}
	return summary
}
