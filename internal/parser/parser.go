// Package parser defines the content-parser contract invoked only by
// the worker, C6 (spec §6): parse(stream, metadata) -> []metadata.
// Format/charset/MIME/language detection and OCR are explicitly out
// of scope (spec Non-goals) — they live inside a concrete Parser
// implementation the worker process wires in, never in this package.
package parser

import (
	"context"
	"io"

	"github.com/mycelian/docdispatch/internal/model"
)

// Parser turns a fetched document stream plus its task metadata into
// zero or more output records (spec §6).
type Parser interface {
	// Parse reads stream to completion and returns the extracted
	// records. It returns an error to signal a parse exception, whose
	// handling (SKIP vs EMIT_EMPTY) is governed by the task's
	// OnParseException policy, not by this interface (spec §4.6).
	Parse(ctx context.Context, stream io.Reader, metadata map[string]string) ([]model.MetadataRecord, error)
}

// Func adapts a plain function to the Parser interface.
type Func func(ctx context.Context, stream io.Reader, metadata map[string]string) ([]model.MetadataRecord, error)

func (f Func) Parse(ctx context.Context, stream io.Reader, metadata map[string]string) ([]model.MetadataRecord, error) {
	return f(ctx, stream, metadata)
}
