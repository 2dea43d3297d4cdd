package pipeline

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/timmy/bulkimport/internal/domain"
	"github.com/timmy/bulkimport/internal/logger"
	"github.com/timmy/bulkimport/internal/source"
	"gorm.io/datatypes"
)

// maxLineBytes bounds one serialized relation row.
const maxLineBytes = 8 << 20

// Line is one row of an exported relation file.
type Line struct {
	SourceID   uint64          `json:"source_id"`
	Attributes json.RawMessage `json:"attributes"`
}

// Downloader fetches exported relation files from the source.
type Downloader interface {
	Download(ctx context.Context, conn source.Connection, p source.Portable, relation string, batched bool, batchNumber int) (io.ReadCloser, error)
}

// Loader persists imported rows on the destination.
type Loader interface {
	UpsertImported(ctx context.Context, records []domain.ImportedRecord) error
	CountImported(ctx context.Context, entityID string) (map[string]int, error)
}

// NDJSONPipeline downloads one relation export (or one batch of it),
// decodes its gzipped NDJSON rows and loads them for the entity.
type NDJSONPipeline struct {
	Relation  string
	Source    Downloader
	Loader    Loader
	ChunkSize int
}

// Run implements Pipeline.
func (p *NDJSONPipeline) Run(ctx context.Context, pc *Context) error {
	body, err := p.Source.Download(ctx, pc.Connection(), pc.Portable(), p.Relation, pc.Batch != nil, pc.BatchNumber())
	if err != nil {
		return err
	}
	defer body.Close()

	n, err := p.load(ctx, pc.Entity.ID, body)
	if err != nil {
		return err
	}
	logger.With(logger.Fields{logger.FieldRelation: p.Relation}).WithCount(n).
		Debug(ctx, "loaded relation batch %d", pc.BatchNumber())
	return nil
}

// OnFinish implements Finisher.
func (p *NDJSONPipeline) OnFinish(ctx context.Context, pc *Context) error {
	counts, err := p.Loader.CountImported(ctx, pc.Entity.ID)
	if err != nil {
		return fmt.Errorf("count imported %s: %w", p.Relation, err)
	}
	logger.With(logger.Fields{logger.FieldRelation: p.Relation}).WithCount(counts[p.Relation]).
		Info(ctx, "batched relation import finished")
	return nil
}

func (p *NDJSONPipeline) load(ctx context.Context, entityID string, r io.Reader) (int, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("open %s export: %w", p.Relation, err)
	}
	defer zr.Close()

	chunk := p.ChunkSize
	if chunk <= 0 {
		chunk = 500
	}

	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	total := 0
	buf := make([]domain.ImportedRecord, 0, chunk)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := p.Loader.UpsertImported(ctx, buf); err != nil {
			return fmt.Errorf("load %s: %w", p.Relation, err)
		}
		total += len(buf)
		buf = buf[:0]
		return nil
	}

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line Line
		if err := json.Unmarshal(raw, &line); err != nil {
			return total, fmt.Errorf("decode %s line %d: %w", p.Relation, lineNo, err)
		}
		buf = append(buf, domain.ImportedRecord{
			EntityID: entityID,
			Relation: p.Relation,
			SourceID: line.SourceID,
			Payload:  datatypes.JSON(line.Attributes),
		})
		if len(buf) == chunk {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return total, fmt.Errorf("read %s export: %w", p.Relation, err)
	}
	return total, flush()
}

// WriteNDJSON serializes records as gzipped NDJSON lines to w and returns
// the number of rows written.
func WriteNDJSON(w io.Writer, records []domain.RelationRecord) (int, error) {
	zw := gzip.NewWriter(w)
	enc := json.NewEncoder(zw)
	for _, rec := range records {
		attrs := json.RawMessage(rec.Payload)
		if len(attrs) == 0 {
			attrs = json.RawMessage("null")
		}
		if err := enc.Encode(Line{SourceID: rec.ID, Attributes: attrs}); err != nil {
			_ = zw.Close()
			return 0, err
		}
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	return len(records), nil
}
