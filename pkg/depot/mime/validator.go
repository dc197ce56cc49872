// Package mime determines effective content types for blobs about to be
// stored, reconciling caller-declared types with content sniffing and
// format-specific rules.
package mime

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/repoforge/depot/pkg/depot"
)

// sniffLen matches the read-ahead window of http.DetectContentType.
const sniffLen = 512

const octetStream = "application/octet-stream"

// Validator is the default depot.ContentValidator. It sniffs leading
// content bytes, consults the file extension and the format's rules source,
// and reconciles the result with the declared type.
type Validator struct {
	fallback string
}

// Option configures a Validator.
type Option func(*Validator)

// WithFallbackType overrides the type used when nothing conclusive is
// known. Defaults to application/octet-stream.
func WithFallbackType(contentType string) Option {
	return func(v *Validator) { v.fallback = contentType }
}

// NewValidator returns the default content validator.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{fallback: octetStream}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

var _ depot.ContentValidator = (*Validator)(nil)

// DetermineContentType resolves the effective content type for the named
// content. A rule from the format's rules source wins outright. Otherwise
// the declared type is kept when it is reconcilable with what the content
// and extension suggest; in strict mode an irreconcilable declared type is
// an error, in lenient mode the declared type is trusted anyway.
func (v *Validator) DetermineContentType(
	ctx context.Context,
	strict bool,
	supplier depot.StreamSupplier,
	rules depot.MimeRulesSource,
	name string,
	declaredContentType string,
) (string, error) {
	if supplier == nil {
		return "", fmt.Errorf("%w: stream supplier is required", depot.ErrPrecondition)
	}
	if rules != nil {
		if forced := rules.RuleFor(name); forced != "" {
			return forced, nil
		}
	}

	detected, err := v.sniff(ctx, supplier)
	if err != nil {
		return "", err
	}
	extension := typeByExtension(name)

	declared := normalize(declaredContentType)
	if declared == "" {
		if extension != "" {
			return extension, nil
		}
		if detected != "" {
			return detected, nil
		}
		return v.fallback, nil
	}

	if reconcilable(declared, detected) || reconcilable(declared, extension) {
		return declared, nil
	}
	if strict {
		return "", &depot.ContentTypeMismatchError{Name: name, Declared: declared, Detected: detected}
	}
	return declared, nil
}

// sniff reads at most sniffLen bytes from a fresh stream and detects the
// content type. The stream supplied for sniffing is always closed here; the
// caller opens its own stream for ingestion.
func (v *Validator) sniff(ctx context.Context, supplier depot.StreamSupplier) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	stream, err := supplier()
	if err != nil {
		return "", err
	}
	defer stream.Close()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(stream, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	return normalize(http.DetectContentType(buf[:n])), nil
}

func typeByExtension(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return ""
	}
	return normalize(mime.TypeByExtension(ext))
}

// normalize strips media-type parameters and lowercases the type.
func normalize(contentType string) string {
	media, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return media
}

// reconcilable reports whether a declared type is consistent with a
// detected one. Inconclusive detections (empty, octet-stream, bare text)
// reconcile with anything; otherwise types agree when their primary parts
// match.
func reconcilable(declared, detected string) bool {
	switch detected {
	case "", octetStream, "text/plain":
		return true
	}
	if declared == detected {
		return true
	}
	return primary(declared) == primary(detected)
}

func primary(contentType string) string {
	if i := strings.Index(contentType, "/"); i > 0 {
		return contentType[:i]
	}
	return contentType
}
