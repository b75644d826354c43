package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/robfig/cron/v3"

	"github.com/Lllllllleong/pdfocrflow/internal/cache"
	"github.com/Lllllllleong/pdfocrflow/internal/gcp"
	"github.com/Lllllllleong/pdfocrflow/internal/models"
	"github.com/Lllllllleong/pdfocrflow/internal/ocr"
	"github.com/Lllllllleong/pdfocrflow/internal/pdfdoc"
	"github.com/Lllllllleong/pdfocrflow/internal/progress"
)

// ErrUnknownBatch is returned by Progress for ids that were never started or have expired.
var ErrUnknownBatch = errors.New("unknown batch id")

// GCSEvent is the storage.object.finalize payload.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// CacheStore is a persistent OCR cache with statistics.
type CacheStore interface {
	ocr.Cache
	Stats(ctx context.Context) (models.CacheStats, error)
}

// fetchFunc resolves a gs:// uri to a local document. cleanup is always safe to call.
type fetchFunc func(ctx context.Context, gcsURI string) (doc ocr.Document, cleanup func(), err error)

// saveFunc stores a text artifact and returns its uri.
type saveFunc func(ctx context.Context, objectName, content string) (string, error)

type OCRBatchFunction struct {
	storageClient *storage.Client
	vertexClient  *gcp.VertexClient
	cacheStore    CacheStore
	pipeline      *ocr.Pipeline
	progress      *progress.Registry
	sweeper       *cron.Cron
	fetch         fetchFunc
	save          saveFunc
	config        OCRConfig
}

func NewOCRBatch(ctx context.Context) (*OCRBatchFunction, error) {
	config, err := LoadOCRConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid OCR configuration: %w", err)
	}
	if config.ProjectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if config.OutputBucket == "" {
		return nil, fmt.Errorf("OCR_OUTPUT_BUCKET environment variable must be set")
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	vertexClient, err := gcp.NewVertexClient(ctx, config.ProjectID, config.Region, config.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}
	cacheStore, err := OpenCache(ctx, config)
	if err != nil {
		return nil, err
	}
	pipeline, err := ocr.New(vertexClient, cacheStore, config.Pipeline)
	if err != nil {
		return nil, err
	}

	f := &OCRBatchFunction{
		storageClient: storageClient,
		vertexClient:  vertexClient,
		cacheStore:    cacheStore,
		pipeline:      pipeline,
		progress:      progress.NewRegistry(config.ProgressTTL),
		config:        config,
	}
	f.fetch = f.fetchFromGCS
	f.save = f.saveToGCS
	if err := f.startSchedules(); err != nil {
		return nil, err
	}
	slog.Info("OCR batch logic initialized.", "model", config.Model, "cacheBackend", config.CacheBackend)
	return f, nil
}

// OpenCache opens the cache backend named by config.
func OpenCache(ctx context.Context, config OCRConfig) (CacheStore, error) {
	switch config.CacheBackend {
	case CacheBackendFirestore:
		client, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		return cache.NewFirestoreStore(client, config.CacheCollection), nil
	case CacheBackendBunt:
		store, err := cache.OpenBunt(config.CacheDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open local cache: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", config.CacheBackend)
}

// startSchedules runs the daily cache sweep and the progress tracker sweep.
func (f *OCRBatchFunction) startSchedules() error {
	if err := f.progress.StartSweeper("@every 5m"); err != nil {
		return err
	}
	if f.config.Pipeline.CacheRetention <= 0 {
		return nil
	}
	f.sweeper = cron.New()
	_, err := f.sweeper.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		stats, err := f.cacheStore.Sweep(ctx, f.config.Pipeline.CacheRetention)
		if err != nil {
			slog.Error("Scheduled cache sweep failed.", "error", err)
			return
		}
		slog.Info("Scheduled cache sweep complete.", "expired", stats.Expired, "idle", stats.Idle)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}
	f.sweeper.Start()
	return nil
}

// Process OCRs a page range of a PDF stored in GCS and saves the text next to the other batch artifacts.
func (f *OCRBatchFunction) Process(ctx context.Context, req *models.OCRBatchRequest) (*models.OCRBatchResponse, error) {
	if req.GCSUri == "" {
		return nil, fmt.Errorf("gcsUri is required")
	}
	tracker, err := f.progress.Start(req.BatchID)
	if err != nil {
		return nil, err
	}
	res, err := f.run(ctx, tracker, models.PageRequest{DocumentRef: req.GCSUri, StartPage: req.StartPage, EndPage: req.EndPage})
	tracker.Finish(err)
	return res, err
}

// ProcessUpload OCRs every page of a newly uploaded PDF.
func (f *OCRBatchFunction) ProcessUpload(ctx context.Context, e GCSEvent) error {
	logCtx := slog.With("gcsBucket", e.Bucket, "gcsObject", e.Name)
	if !strings.EqualFold(path.Ext(e.Name), ".pdf") {
		logCtx.Info("Ignoring non-PDF object.")
		return nil
	}
	if e.Bucket == f.config.OutputBucket {
		logCtx.Info("Ignoring object in the output bucket.")
		return nil
	}
	tracker, err := f.progress.Start("")
	if err != nil {
		return err
	}
	_, err = f.run(ctx, tracker, models.PageRequest{DocumentRef: fmt.Sprintf("gs://%s/%s", e.Bucket, e.Name), StartPage: 1})
	tracker.Finish(err)
	return err
}

// Progress returns the progress log of a running or recently finished batch.
func (f *OCRBatchFunction) Progress(batchID string) (*models.OCRProgressResponse, error) {
	tracker, ok := f.progress.Get(batchID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
	}
	snap := tracker.Snapshot()
	return &snap, nil
}

// run is the shared body of Process and ProcessUpload. req.DocumentRef is a gs:// uri; an EndPage of zero
// means the last page.
func (f *OCRBatchFunction) run(ctx context.Context, tracker *progress.Tracker, req models.PageRequest) (*models.OCRBatchResponse, error) {
	logCtx := slog.With("batchId", tracker.ID(), "gcsUri", req.DocumentRef)
	logCtx.Info("Starting OCR batch.", "startPage", req.StartPage, "endPage", req.EndPage)

	batchCtx, cancel := context.WithTimeout(ctx, f.config.BatchTimeout)
	defer cancel()

	doc, cleanup, err := f.fetch(batchCtx, req.DocumentRef)
	defer cleanup()
	if err != nil {
		logCtx.Error("Failed to fetch source document", "error", err)
		return nil, err
	}
	if req.EndPage == 0 {
		if req.EndPage, err = doc.PageCount(batchCtx); err != nil {
			logCtx.Error("Failed to read page count", "error", err)
			return nil, fmt.Errorf("failed to read page count: %w", err)
		}
	}

	result, err := f.pipeline.RunBatch(batchCtx, doc, req.StartPage, req.EndPage, tracker.Report)
	if err != nil {
		logCtx.Error("OCR batch rejected", "error", err)
		return nil, err
	}
	if errors.Is(batchCtx.Err(), context.DeadlineExceeded) {
		err := fmt.Errorf("OCR batch abandoned after %s", f.config.BatchTimeout)
		logCtx.Error("OCR batch timed out", "error", err)
		return nil, err
	}

	objectName := fmt.Sprintf("%s/pages_%d-%d.txt", documentKey(doc.Identity()), req.StartPage, req.EndPage)
	outputURI, err := f.save(ctx, objectName, result.FullText)
	if err != nil {
		logCtx.Error("Failed to save OCR text", "error", err, "object", objectName)
		return nil, err
	}

	logCtx.Info("OCR batch complete.", "outputGcsUri", outputURI, "summary", result.Summary)
	return &models.OCRBatchResponse{
		Status:            "success",
		BatchID:           tracker.ID(),
		OutputGCSUri:      outputURI,
		Summary:           result.Summary,
		PagesProcessed:    result.PagesProcessed,
		TotalInputTokens:  result.TotalInputTokens,
		TotalOutputTokens: result.TotalOutputTokens,
		CacheHitRate:      result.CacheHitRate,
		RetryCount:        result.RetryCount,
		ProcessingSeconds: result.ProcessingTime.Seconds(),
		FailedPages:       result.FailedPages,
		Details:           result.Details,
	}, nil
}

// documentKey names a document's artifact folder: its content digest, or its cache identity hash when the
// digest is unknown.
func documentKey(id models.DocumentIdentity) string {
	if id.Digest != "" {
		return id.Digest
	}
	return cache.HashKey(id, nil)
}

func (f *OCRBatchFunction) fetchFromGCS(ctx context.Context, gcsURI string) (ocr.Document, func(), error) {
	noop := func() {}
	bucket, object, err := gcp.ParseGCSUri(gcsURI)
	if err != nil {
		return nil, noop, err
	}
	tempDir, err := os.MkdirTemp("", "ocr-batch-*")
	if err != nil {
		return nil, noop, fmt.Errorf("failed to create temp dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(tempDir) }

	localPath := filepath.Join(tempDir, "source.pdf")
	attrs, err := gcp.DownloadFromGCS(ctx, f.storageClient, bucket, object, localPath)
	if err != nil {
		return nil, cleanup, err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, cleanup, fmt.Errorf("failed to read downloaded PDF: %w", err)
	}

	doc, err := pdfdoc.OpenWithIdentity(localPath, models.DocumentIdentity{
		Name:    gcsURI,
		Size:    attrs.Size,
		ModTime: attrs.Updated.UTC(),
		Digest:  cache.HashBytes(data),
	})
	if err != nil {
		return nil, cleanup, err
	}
	return doc, cleanup, nil
}

// saveToGCS replaces any earlier artifact for the same document and range, so a rerun after a degraded
// batch publishes the better text.
func (f *OCRBatchFunction) saveToGCS(ctx context.Context, objectName, content string) (string, error) {
	if err := gcp.SaveToGCS(ctx, f.storageClient.Bucket(f.config.OutputBucket), objectName, content); err != nil {
		return "", err
	}
	return fmt.Sprintf("gs://%s/%s", f.config.OutputBucket, objectName), nil
}

// Close stops the schedules, waits for background cache sweeps and releases the clients.
func (f *OCRBatchFunction) Close() error {
	if f.sweeper != nil {
		<-f.sweeper.Stop().Done()
	}
	f.progress.Stop()
	f.pipeline.Wait()

	var errs []error
	if c, ok := f.cacheStore.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if f.vertexClient != nil {
		errs = append(errs, f.vertexClient.Close())
	}
	if f.storageClient != nil {
		errs = append(errs, f.storageClient.Close())
	}
	return errors.Join(errs...)
}
