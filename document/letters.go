package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrTooLarge signals an upload above the configured size limit.
var ErrTooLarge = errors.New("document: upload too large")

// Letters is the closing-letter facade used by the HTTP layer. Uploads are
// stored as editable documents; previews go through the converter and are
// never part of a claim transition.
type Letters struct {
	store     Store
	converter Converter
	maxSize   int64
	logger    *slog.Logger
}

// NewLetters wires a store and converter. maxSize <= 0 means 20 MiB.
func NewLetters(store Store, converter Converter, maxSize int64, logger *slog.Logger) *Letters {
	if maxSize <= 0 {
		maxSize = 20 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Letters{
		store:     store,
		converter: converter,
		maxSize:   maxSize,
		logger:    logger.With("component", "letters"),
	}
}

// MaxSize is the upload limit in bytes.
func (l *Letters) MaxSize() int64 { return l.maxSize }

// Upload validates and stores a closing letter.
func (l *Letters) Upload(ctx context.Context, filename string, data []byte) (Ref, error) {
	if int64(len(data)) > l.maxSize {
		return Ref{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	format, err := DetectFormat(filename, data)
	if err != nil {
		return Ref{}, err
	}
	if !format.Editable() {
		return Ref{}, fmt.Errorf("%w: got %s", ErrNotEditable, format)
	}

	ref, err := l.store.Put(ctx, format, data)
	if err != nil {
		return Ref{}, err
	}
	l.logger.InfoContext(ctx, "closing letter stored", "ref", ref.String(), "size", len(data))
	return ref, nil
}

// Preview renders the referenced letter to PDF.
func (l *Letters) Preview(ctx context.Context, raw string) ([]byte, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return nil, err
	}
	data, err := l.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if ref.Format == FormatPDF {
		return data, nil
	}
	if l.converter == nil {
		return nil, fmt.Errorf("%w: no converter configured", ErrConversionFailed)
	}
	return l.converter.ToPDF(ctx, ref.Format, data)
}
