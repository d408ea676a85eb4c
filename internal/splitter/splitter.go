package splitter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/docpipe/docpipe/internal/models"
	"github.com/docpipe/docpipe/pkg/logger"
)

// ErrInvalidPDF distinguishes malformed input from infrastructure failure.
var ErrInvalidPDF = errors.New("invalid or unreadable PDF")

// Splitter partitions a PDF into single-page documents. Pure with respect
// to the pipeline: it touches only a private temp dir, never shared state.
type Splitter struct {
	logger logger.Logger
}

func NewSplitter(log logger.Logger) *Splitter {
	return &Splitter{logger: log}
}

// Split returns one PDF per page, in original page order (index 0 is
// page 1).
func (s *Splitter) Split(ctx context.Context, data []byte) ([][]byte, error) {
	tempDir, err := os.MkdirTemp("", "docpipe-split-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sourcePath := filepath.Join(tempDir, "source.pdf")
	if err := os.WriteFile(sourcePath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write source file: %w", err)
	}

	// Relaxed validation mirrors what real-world scanned documents need;
	// optimization also normalizes the file before splitting.
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	optimizedPath := filepath.Join(tempDir, "optimized.pdf")
	if err := api.OptimizeFile(sourcePath, optimizedPath, conf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}

	pageCount, err := api.PageCountFile(optimizedPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("%w: document has no pages", ErrInvalidPDF)
	}

	if err := api.SplitFile(optimizedPath, tempDir, 1, conf); err != nil {
		return nil, fmt.Errorf("failed to split PDF: %w", err)
	}

	pages := make([][]byte, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		pagePath := filepath.Join(tempDir, fmt.Sprintf("optimized_%d.pdf", i))
		pageData, err := os.ReadFile(pagePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read page %d: %w", i, err)
		}
		pages = append(pages, pageData)
	}

	s.logger.Debug("Split document into pages", logger.Int("pageCount", pageCount))
	return pages, nil
}

// Metadata reads document properties without side effects: page count,
// size, content hash, plus Title/Author when the trailer carries them.
func (s *Splitter) Metadata(data []byte) (models.DocumentMeta, error) {
	reader := bytes.NewReader(data)

	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return models.DocumentMeta{}, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}

	hash := sha256.Sum256(data)

	meta := models.DocumentMeta{
		Pages:    pdfReader.NumPage(),
		FileSize: int64(len(data)),
		Hash:     hex.EncodeToString(hash[:]),
	}

	trailer := pdfReader.Trailer()
	if !trailer.IsNull() {
		info := trailer.Key("Info")
		if !info.IsNull() {
			if title := info.Key("Title"); !title.IsNull() {
				meta.Title = title.Text()
			}
			if author := info.Key("Author"); !author.IsNull() {
				meta.Author = author.Text()
			}
		}
	}

	return meta, nil
}
