// internal/export/archive.go
package export

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// Format selects the archive container for a bundle
type Format string

const (
	FormatZip     Format = "zip"
	FormatTarZstd Format = "tar.zst"
)

// ErrUnsupportedFormat is returned for an unknown archive format name
var ErrUnsupportedFormat = errors.New("unsupported archive format")

// ParseFormat parses a format name; the empty string selects zip
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zip":
		return FormatZip, nil
	case "tar.zst", "tzst", "zst":
		return FormatTarZstd, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Extension returns the file extension including the leading dot
func (f Format) Extension() string {
	return "." + string(f)
}

// ContentType returns the MIME type of the archive
func (f Format) ContentType() string {
	if f == FormatTarZstd {
		return "application/zstd"
	}
	return "application/zip"
}

type archiveWriter interface {
	Add(name string, data []byte, modTime time.Time) error
	Close() error
}

func newArchiveWriter(w io.Writer, format Format) (archiveWriter, error) {
	switch format {
	case FormatZip:
		return &zipWriter{zw: zip.NewWriter(w)}, nil
	case FormatTarZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return &tarZstdWriter{enc: enc, tw: tar.NewWriter(enc)}, nil
	default:
		return nil, fmt.Errorf("unsupported archive format %q", format)
	}
}

type zipWriter struct {
	zw *zip.Writer
}

func (z *zipWriter) Add(name string, data []byte, modTime time.Time) error {
	f, err := z.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modTime,
	})
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

func (z *zipWriter) Close() error {
	return z.zw.Close()
}

type tarZstdWriter struct {
	enc *zstd.Encoder
	tw  *tar.Writer
}

func (t *tarZstdWriter) Add(name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  modTime,
	}
	if err := t.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := t.tw.Write(data)
	return err
}

func (t *tarZstdWriter) Close() error {
	if err := t.tw.Close(); err != nil {
		t.enc.Close()
		return err
	}
	return t.enc.Close()
}
