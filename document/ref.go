// Package document stores closing letters and renders them for preview.
//
// Letters are content addressed: the reference returned by a Store encodes
// the document format and the BLAKE2b-256 digest of its bytes, so a claim can
// check the required format from the reference alone without any I/O.
package document

import (
	"archive/zip"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrInvalidRef signals a reference that was not produced by a Store.
	ErrInvalidRef = errors.New("document: invalid reference")
	// ErrNotEditable signals a letter that is not an editable document.
	ErrNotEditable = errors.New("document: closing letter must be an editable document")
	// ErrUnsupportedFormat signals an upload whose bytes do not match a known format.
	ErrUnsupportedFormat = errors.New("document: unsupported format")
	// ErrNotFound signals a reference with no stored content.
	ErrNotFound = errors.New("document: not found")
)

// Format is the document type carried in a reference.
type Format string

const (
	FormatDOCX Format = "docx"
	FormatODT  Format = "odt"
	FormatPDF  Format = "pdf"
)

// Editable reports whether the format can be edited before sending.
func (f Format) Editable() bool {
	switch f {
	case FormatDOCX, FormatODT:
		return true
	case FormatPDF:
		return false
	}
	return false
}

// ContentType returns the MIME type used when storing or serving the format.
func (f Format) ContentType() string {
	switch f {
	case FormatDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case FormatODT:
		return "application/vnd.oasis.opendocument.text"
	case FormatPDF:
		return "application/pdf"
	}
	return "application/octet-stream"
}

const digestPrefix = "blake2b-"

// Ref is a parsed document reference of the form "<format>:blake2b-<hex>".
type Ref struct {
	Format Format
	Digest string
}

func (r Ref) String() string {
	return string(r.Format) + ":" + digestPrefix + r.Digest
}

// key is the storage key shared by every backend.
func (r Ref) key() string {
	return r.Digest + "." + string(r.Format)
}

// NewRef computes the reference of data stored in the given format.
func NewRef(format Format, data []byte) Ref {
	sum := blake2b.Sum256(data)
	return Ref{Format: format, Digest: hex.EncodeToString(sum[:])}
}

// ParseRef validates the shape of a reference.
func ParseRef(raw string) (Ref, error) {
	format, digest, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidRef, raw)
	}
	switch Format(format) {
	case FormatDOCX, FormatODT, FormatPDF:
	default:
		return Ref{}, fmt.Errorf("%w: unknown format %q", ErrInvalidRef, format)
	}
	hexDigest, found := strings.CutPrefix(digest, digestPrefix)
	if !found {
		return Ref{}, fmt.Errorf("%w: unknown digest in %q", ErrInvalidRef, raw)
	}
	b, err := hex.DecodeString(hexDigest)
	if err != nil || len(b) != blake2b.Size256 {
		return Ref{}, fmt.Errorf("%w: malformed digest in %q", ErrInvalidRef, raw)
	}
	return Ref{Format: Format(format), Digest: hexDigest}, nil
}

// RequireEditable checks that raw is a valid reference to an editable letter.
func RequireEditable(raw string) error {
	ref, err := ParseRef(raw)
	if err != nil {
		return err
	}
	if !ref.Format.Editable() {
		return fmt.Errorf("%w: got %s", ErrNotEditable, ref.Format)
	}
	return nil
}

const odtMimetype = "application/vnd.oasis.opendocument.text"

// DetectFormat decides the format from the file name and confirms it against
// the content. Both DOCX and ODT are zip packages; the package entries tell
// them apart.
func DetectFormat(filename string, data []byte) (Format, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	switch Format(ext) {
	case FormatPDF:
		if !bytes.HasPrefix(data, []byte("%PDF-")) {
			return "", fmt.Errorf("%w: %s is not a pdf", ErrUnsupportedFormat, filename)
		}
		return FormatPDF, nil
	case FormatDOCX, FormatODT:
	default:
		return "", fmt.Errorf("%w: extension %q", ErrUnsupportedFormat, ext)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %s is not a document package", ErrUnsupportedFormat, filename)
	}

	var detected Format
	for _, f := range zr.File {
		switch f.Name {
		case "word/document.xml":
			detected = FormatDOCX
		case "mimetype":
			if mimetypeOf(f) == odtMimetype {
				detected = FormatODT
			}
		}
	}
	if detected != Format(ext) {
		return "", fmt.Errorf("%w: %s content does not match its extension", ErrUnsupportedFormat, filename)
	}
	return detected, nil
}

func mimetypeOf(f *zip.File) string {
	rc, err := f.Open()
	if err != nil {
		return ""
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 128))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
