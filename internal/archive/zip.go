// Package archive packages a run's output directory into a single ZIP and
// optionally publishes it to S3.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// MethodZstd is the ZIP compression method ID for Zstandard (APPNOTE 6.3.7).
const MethodZstd uint16 = 93

// Method maps a configured compression name to a ZIP method ID.
func Method(name string) (uint16, error) {
	switch name {
	case "", "deflate":
		return zip.Deflate, nil
	case "zstd":
		return MethodZstd, nil
	case "store":
		return zip.Store, nil
	}
	return 0, fmt.Errorf("unknown compression %q", name)
}

// Summary describes a written archive.
type Summary struct {
	Files int
	Bytes int64
}

// Directory writes every regular file under srcDir into a ZIP at dstPath,
// using paths relative to srcDir. The archive is written to a temp file and
// renamed into place, so dstPath never holds a partial archive.
func Directory(ctx context.Context, srcDir, dstPath string, method uint16) (Summary, error) {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return Summary{}, fmt.Errorf("failed to create archive directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(dstPath), ".archive-*.zip")
	if err != nil {
		return Summary{}, fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	zw := newWriter(tmpFile)
	var sum Summary
	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if err := addFile(zw, path, filepath.ToSlash(rel), method); err != nil {
			return err
		}
		sum.Files++
		return nil
	})
	if walkErr != nil {
		zw.Close()
		tmpFile.Close()
		return Summary{}, fmt.Errorf("failed to archive %s: %w", srcDir, walkErr)
	}
	if err := zw.Close(); err != nil {
		tmpFile.Close()
		return Summary{}, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return Summary{}, fmt.Errorf("failed to close archive: %w", err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to stat archive: %w", err)
	}
	sum.Bytes = info.Size()
	if err := os.Rename(tmpPath, dstPath); err != nil {
		return Summary{}, fmt.Errorf("failed to move archive into place: %w", err)
	}

	log.Info().
		Str("src", srcDir).
		Str("archive", dstPath).
		Int("files", sum.Files).
		Int64("bytes", sum.Bytes).
		Uint16("method", method).
		Msg("Archive written")
	return sum, nil
}

func newWriter(w io.Writer) *zip.Writer {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})
	zw.RegisterCompressor(MethodZstd, func(w io.Writer) (io.WriteCloser, error) {
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zw
}

func addFile(zw *zip.Writer, path, name string, method uint16) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = method

	dst, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

// Open opens an archive written by Directory, including zstd entries.
func Open(path string) (*zip.ReadCloser, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	rc.RegisterDecompressor(MethodZstd, func(r io.Reader) io.ReadCloser {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return io.NopCloser(errReader{err})
		}
		return dec.IOReadCloser()
	})
	return rc, nil
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
