package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ErrConversionFailed signals that the converter did not return a rendering.
var ErrConversionFailed = errors.New("document: conversion failed")

// Converter renders an editable letter to a fixed-layout PDF.
type Converter interface {
	ToPDF(ctx context.Context, format Format, data []byte) ([]byte, error)
}

// ConverterConfig configures the HTTP converter client.
type ConverterConfig struct {
	URL     string
	Timeout time.Duration
	Rate    float64
	Burst   int
}

// HTTPConverter posts the document to an external conversion service and
// reads the PDF from the response body. Calls are rate limited and bounded by
// their own timeout.
type HTTPConverter struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

const maxRenderedSize = 50 << 20

// NewHTTPConverter builds the client. Zero values fall back to a 20s timeout
// and 5 requests per second.
func NewHTTPConverter(cfg ConverterConfig) *HTTPConverter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &HTTPConverter{
		url:     cfg.URL,
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		timeout: cfg.Timeout,
	}
}

func (c *HTTPConverter) ToPDF(ctx context.Context, format Format, data []byte) ([]byte, error) {
	if c.url == "" {
		return nil, fmt.Errorf("%w: converter url not configured", ErrConversionFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("document: converter rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("document: build conversion request: %w", err)
	}
	req.Header.Set("Content-Type", format.ContentType())
	req.Header.Set("Accept", FormatPDF.ContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConversionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrConversionFailed, resp.StatusCode, bytes.TrimSpace(msg))
	}

	pdf, err := io.ReadAll(io.LimitReader(resp.Body, maxRenderedSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrConversionFailed, err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF-")) {
		return nil, fmt.Errorf("%w: response is not a pdf", ErrConversionFailed)
	}
	return pdf, nil
}
