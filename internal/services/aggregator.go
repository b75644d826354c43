package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/pdfocrflow/internal/gcp"
	"github.com/Lllllllleong/pdfocrflow/internal/models"
)

var (
	batchArtifact = regexp.MustCompile(`^pages_(\d+)-(\d+)\.txt$`)
	pageHeader    = regexp.MustCompile(`(?m)^--- Page (\d+) ---$`)
)

// AggregatorFunction merges the text artifacts of every batch run over one document.
type AggregatorFunction struct {
	storageClient *storage.Client
	outputBucket  string
}

func NewAggregator(ctx context.Context) (*AggregatorFunction, error) {
	outputBucket := gcp.GetEnv("OCR_OUTPUT_BUCKET", "")
	if outputBucket == "" {
		return nil, fmt.Errorf("OCR_OUTPUT_BUCKET environment variable must be set")
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &AggregatorFunction{storageClient: storageClient, outputBucket: outputBucket}, nil
}

// Process concatenates <documentKey>/pages_S-E.txt objects in page order into <documentKey>/document.txt,
// replacing any previous merge.
func (f *AggregatorFunction) Process(ctx context.Context, req *models.OCRAggregateRequest) (*models.OCRAggregateResponse, error) {
	if req.DocumentKey == "" {
		return nil, fmt.Errorf("documentKey is required")
	}
	logCtx := slog.With("documentKey", req.DocumentKey)
	logCtx.Info("Starting aggregation.")

	bucket := f.storageClient.Bucket(f.outputBucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: req.DocumentKey + "/"})
	var objectNames []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			logCtx.Error("Failed to list batch artifacts", "error", err, "bucket", f.outputBucket)
			return nil, fmt.Errorf("failed to list batch artifacts: %w", err)
		}
		objectNames = append(objectNames, attrs.Name)
	}

	ordered := orderArtifacts(objectNames)
	if len(ordered) == 0 {
		logCtx.Warn("No batch artifacts found to aggregate.")
		return nil, fmt.Errorf("no batch artifacts under %s/", req.DocumentKey)
	}
	logCtx.Info("Found batch artifacts.", "count", len(ordered))

	outputObjectName := path.Join(req.DocumentKey, "document.txt")
	writeCtx, cancelWrite := context.WithCancel(ctx)
	defer cancelWrite()
	destWriter := bucket.Object(outputObjectName).NewWriter(writeCtx)
	destWriter.ContentType = "text/plain; charset=utf-8"
	var aggregationErr error
	written := 0
	for _, a := range ordered {
		text, err := readObject(ctx, bucket, a.name)
		if err != nil {
			aggregationErr = err
			break
		}
		if a.skipThrough > 0 {
			text = dropPagesThrough(text, a.skipThrough)
		}
		if text == "" {
			continue
		}
		if written > 0 {
			text = "\n\n" + text
		}
		if _, err := io.WriteString(destWriter, text); err != nil {
			aggregationErr = fmt.Errorf("failed to copy content from %s: %w", a.name, err)
			break
		}
		written++
	}

	if aggregationErr != nil {
		// Cancelling before Close discards the partial upload.
		cancelWrite()
		_ = destWriter.Close()
		logCtx.Error("Error during aggregation", "error", aggregationErr)
		return nil, aggregationErr
	}
	if err := destWriter.Close(); err != nil {
		logCtx.Error("Failed to finalize document.txt write", "error", err, "object", outputObjectName)
		return nil, fmt.Errorf("failed to finalize %s: %w", outputObjectName, err)
	}

	outputGCSUri := fmt.Sprintf("gs://%s/%s", f.outputBucket, outputObjectName)
	logCtx.Info("Aggregation complete.", "outputGcsUri", outputGCSUri)
	return &models.OCRAggregateResponse{
		Status:       "success",
		OutputGCSUri: outputGCSUri,
		BatchCount:   len(ordered),
	}, nil
}

type artifact struct {
	name       string
	start, end int
	// skipThrough drops the leading pages an earlier artifact already covered.
	skipThrough int
}

// orderArtifacts picks the batch artifacts among names that cover the document once, in page order. For
// each start page the widest range wins, ranges inside already covered pages are dropped, and a range that
// overlaps the covered pages only contributes the pages after them.
func orderArtifacts(names []string) []artifact {
	var found []artifact
	for _, name := range names {
		m := batchArtifact.FindStringSubmatch(path.Base(name))
		if m == nil {
			continue
		}
		start, _ := strconv.Atoi(m[1])
		end, _ := strconv.Atoi(m[2])
		if start < 1 || end < start {
			continue
		}
		found = append(found, artifact{name: name, start: start, end: end})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].start != found[j].start {
			return found[i].start < found[j].start
		}
		return found[i].end > found[j].end
	})

	var out []artifact
	covered := 0
	for _, a := range found {
		if a.end <= covered {
			continue
		}
		if a.start <= covered {
			a.skipThrough = covered
		}
		out = append(out, a)
		covered = a.end
	}
	return out
}

// dropPagesThrough removes the page sections numbered last or lower from a batch artifact.
func dropPagesThrough(text string, last int) string {
	for _, loc := range pageHeader.FindAllStringSubmatchIndex(text, -1) {
		if n, _ := strconv.Atoi(text[loc[2]:loc[3]]); n > last {
			return text[loc[0]:]
		}
	}
	return ""
}

func readObject(ctx context.Context, bucket *storage.BucketHandle, name string) (string, error) {
	reader, err := bucket.Object(name).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read content from %s: %w", name, err)
	}
	return string(data), nil
}
