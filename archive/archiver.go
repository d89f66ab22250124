package archive

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/walbd/walb/telemetry"
	"github.com/walbd/walb/walbconfig"
)

// Pack bundles the bytes of one retired log pack destined for archival.
type Pack struct {
	LSID uint64
	Data []byte
}

// Archiver uploads retired log packs to GCS off the admission path. Enqueue
// never blocks the caller: a full queue drops the pack and counts a
// failure, matching spec.md §5's "archival failures only emit a counter"
// requirement that set_oldest must never wait on archival.
//
// Structurally this mirrors the teacher's Uploader: a buffered channel, one
// worker goroutine, and a stopOnce-guarded drain-then-close Stop.
type Archiver struct {
	cfg      walbconfig.ArchiveConfig
	client   *storage.Client
	chunkMgr *chunkManager
	counters telemetry.Counters

	queue    chan Pack
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New constructs an Archiver and its GCS client. Callers should call Start
// to begin draining the enqueue channel.
func New(cfg walbconfig.ArchiveConfig, counters telemetry.Counters) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client, err := storage.NewClient(ctx, option.WithGRPCConnectionPool(cfg.GRPCPoolSize))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("archive: failed to create storage client: %w", err)
	}

	return &Archiver{
		cfg:      cfg,
		client:   client,
		chunkMgr: newChunkManager(cfg.MaxChunksPerCompose),
		counters: counters,
		queue:    make(chan Pack, cfg.ChannelBufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the upload worker.
func (a *Archiver) Start() {
	a.wg.Add(1)
	go a.worker()
}

// Stop drains the queue, waits for the worker to finish, then tears down
// the client. Safe to call multiple times.
func (a *Archiver) Stop() {
	a.stopOnce.Do(func() {
		close(a.queue)
		a.wg.Wait()
		a.cancel()
		_ = a.client.Close()
	})
}

// Enqueue hands a retired pack to the archiver. It never blocks: if the
// queue is full the pack is dropped and a failure is counted, since a
// backed-up archiver must never stall set_oldest.
func (a *Archiver) Enqueue(p Pack) {
	select {
	case a.queue <- p:
	default:
		log.Printf("archive: queue full, dropping pack at lsid %d", p.LSID)
		a.countFailure()
	}
}

func (a *Archiver) worker() {
	defer a.wg.Done()
	for p := range a.queue {
		if err := a.uploadWithRetry(p); err != nil {
			log.Printf("archive: failed to archive pack at lsid %d: %v", p.LSID, err)
			a.countFailure()
			continue
		}
		a.countUpload()
	}
}

func (a *Archiver) countFailure() {
	if a.counters.ArchiveFailures != nil {
		a.counters.ArchiveFailures.Add(context.Background(), 1)
	}
}

func (a *Archiver) countUpload() {
	if a.counters.ArchiveUploads != nil {
		a.counters.ArchiveUploads.Add(context.Background(), 1)
	}
}

func (a *Archiver) uploadWithRetry(p Pack) error {
	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-a.ctx.Done():
				return fmt.Errorf("archiver stopped")
			case <-time.After(a.cfg.RetryDelay):
			}
		}

		err := a.uploadPack(p)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("upload failed after %d attempts: %w", a.cfg.MaxRetries+1, lastErr)
}

func (a *Archiver) objectName(lsid uint64) string {
	return fmt.Sprintf("%spack-%020d", a.cfg.ObjectPrefix, lsid)
}

// uploadPack uploads one pack's bytes, chunked and composed the way
// uploadParallel does in the teacher, generalized from a local file read
// to an in-memory buffer handed in by the caller (the engine reads the
// pack straight off L; there is no local copy to stat).
func (a *Archiver) uploadPack(p Pack) error {
	object := a.objectName(p.LSID)
	numChunks := (len(p.Data) + a.cfg.ChunkSize - 1) / a.cfg.ChunkSize
	if numChunks <= 1 {
		return a.uploadSingle(object, p.Data)
	}
	return a.uploadChunked(object, p.Data, numChunks)
}

func (a *Archiver) uploadSingle(object string, data []byte) error {
	w := a.client.Bucket(a.cfg.Bucket).Object(object).NewWriter(a.ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	return w.Close()
}

func (a *Archiver) uploadChunked(object string, data []byte, numChunks int) error {
	tempPrefix := fmt.Sprintf("%s.tmp.%d", object, time.Now().UnixNano())

	type chunkResult struct {
		object string
		err    error
	}
	results := make([]chunkResult, numChunks)
	var wg sync.WaitGroup

	for i := 0; i < numChunks; i++ {
		offset := i * a.cfg.ChunkSize
		end := offset + a.cfg.ChunkSize
		if end > len(data) {
			end = len(data)
		}

		wg.Add(1)
		go func(i int, chunk []byte) {
			defer wg.Done()
			chunkObject := fmt.Sprintf("%s.chunk.%d", tempPrefix, i)
			w := a.client.Bucket(a.cfg.Bucket).Object(chunkObject).NewWriter(a.ctx)
			w.ContentType = "application/octet-stream"
			if _, err := w.Write(chunk); err != nil {
				results[i] = chunkResult{err: fmt.Errorf("chunk %d write: %w", i, err)}
				return
			}
			if err := w.Close(); err != nil {
				results[i] = chunkResult{err: fmt.Errorf("chunk %d close: %w", i, err)}
				return
			}
			results[i] = chunkResult{object: chunkObject}
		}(i, data[offset:end])
	}
	wg.Wait()

	chunkObjects := make([]string, numChunks)
	for i, r := range results {
		if r.err != nil {
			a.cleanupChunks(chunkObjects[:i])
			return r.err
		}
		chunkObjects[i] = r.object
	}

	if err := a.chunkMgr.compose(a.ctx, a.client, a.cfg.Bucket, object, chunkObjects); err != nil {
		a.cleanupChunks(chunkObjects)
		return fmt.Errorf("compose error: %w", err)
	}
	a.cleanupChunks(chunkObjects)
	return nil
}

func (a *Archiver) cleanupChunks(objects []string) {
	bkt := a.client.Bucket(a.cfg.Bucket)
	for _, obj := range objects {
		if obj == "" {
			continue
		}
		if err := bkt.Object(obj).Delete(a.ctx); err != nil {
			log.Printf("archive: failed to clean up chunk %s: %v", obj, err)
		}
	}
}
