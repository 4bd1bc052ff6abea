// Package upload reassembles chunked uploads into asset files and attaches
// completed assets to their owning session.
package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/fpang/depth-curator/internal/keyed"
	"github.com/rs/zerolog/log"
)

var (
	// ErrInvalidChunk marks caller input errors; nothing is written.
	ErrInvalidChunk = errors.New("invalid chunk")
	// ErrStorage marks filesystem failures. Previously stored chunks are
	// intact and the failed chunk may be resent.
	ErrStorage = errors.New("chunk storage failed")
)

// MaxChunks bounds the declared chunk count of a single upload.
const MaxChunks = 100000

var (
	uploadIDRegex     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)
	safeFilenameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._ ()-]{0,200}$`)
)

// Result describes the state of an upload after one chunk was stored.
// Resent marks a chunk of an upload that had already been assembled; such a
// chunk is not stored and Path names the earlier assembly.
type Result struct {
	Complete bool
	Resent   bool
	Index    int
	Received int
	Total    int
	Path     string
}

// uploadState is kept after assembly so late resends of any chunk are
// answered from it instead of being staged again.
type uploadState struct {
	total int
	path  string
}

// Assembler persists chunks in a staging directory and concatenates them
// into the asset directory once every index has arrived.
type Assembler struct {
	stagingDir string
	assetDir   string
	uploads    *keyed.Map[uploadState]
}

// NewAssembler creates an Assembler. Both directories are created if needed.
func NewAssembler(stagingDir, assetDir string) (*Assembler, error) {
	for _, dir := range []string{stagingDir, assetDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &Assembler{
		stagingDir: stagingDir,
		assetDir:   assetDir,
		uploads:    keyed.New[uploadState](0),
	}, nil
}

// ValidateChunk checks the identifying fields of a chunk.
func ValidateChunk(uploadID, assetName string, index, total int) error {
	switch {
	case uploadID == "" || assetName == "":
		return fmt.Errorf("%w: job_id and filename are required", ErrInvalidChunk)
	case !uploadIDRegex.MatchString(uploadID):
		return fmt.Errorf("%w: job_id contains invalid characters", ErrInvalidChunk)
	case strings.Contains(assetName, "..") || strings.ContainsAny(assetName, `/\`) || !safeFilenameRegex.MatchString(assetName):
		return fmt.Errorf("%w: filename contains invalid characters", ErrInvalidChunk)
	case total < 1 || total > MaxChunks:
		return fmt.Errorf("%w: total_chunks must be between 1 and %d", ErrInvalidChunk, MaxChunks)
	case index < 0 || index >= total:
		return fmt.Errorf("%w: chunk_index %d out of range [0, %d)", ErrInvalidChunk, index, total)
	}
	return nil
}

// ChunkName returns the staging file name of one chunk.
func ChunkName(uploadID, assetName string, index int) string {
	return fmt.Sprintf("%s_%s_chunk_%d", uploadID, assetName, index)
}

// AssetPath returns where the assembled file for an upload is written.
func (a *Assembler) AssetPath(uploadID, assetName string) string {
	return filepath.Join(a.assetDir, uploadID+"_"+assetName)
}

// PutChunk stores one chunk and assembles the upload when it completes the
// set. Chunks may arrive in any order; completion is detected by counting
// the stored chunks. Chunks of the same upload are serialized so exactly
// one caller performs assembly. A chunk arriving after assembly, such as a
// retry whose response was lost, is answered with the assembled path and
// nothing is written.
func (a *Assembler) PutChunk(uploadID, assetName string, index, total int, body io.Reader) (Result, error) {
	if err := ValidateChunk(uploadID, assetName, index, total); err != nil {
		return Result{}, err
	}

	key := uploadID + "/" + assetName
	a.uploads.Insert(key, uploadState{total: total})

	var res Result
	var err error
	a.uploads.With(key, func(st *uploadState) {
		switch {
		case st.total != total:
			err = fmt.Errorf("%w: total_chunks %d does not match earlier chunks (%d)", ErrInvalidChunk, total, st.total)
		case st.path != "":
			log.Debug().Str("uploadId", uploadID).Str("asset", assetName).Int("chunk", index).Msg("Chunk resent after assembly, ignoring")
			res = Result{Complete: true, Resent: true, Index: index, Received: total, Total: total, Path: st.path}
		default:
			res, err = a.putLocked(uploadID, assetName, index, total, body)
			if err == nil && res.Complete {
				st.path = res.Path
			}
		}
	})
	return res, err
}

func (a *Assembler) putLocked(uploadID, assetName string, index, total int, body io.Reader) (Result, error) {
	chunkPath := filepath.Join(a.stagingDir, ChunkName(uploadID, assetName, index))
	if err := writeAtomic(a.stagingDir, chunkPath, body); err != nil {
		log.Error().Err(err).
			Str("uploadId", uploadID).
			Str("asset", assetName).
			Int("chunk", index).
			Msg("Failed to store chunk")
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	received, err := a.countChunks(uploadID, assetName, total)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	log.Debug().
		Str("uploadId", uploadID).
		Str("asset", assetName).
		Int("chunk", index).
		Int("received", received).
		Int("total", total).
		Msg("Chunk stored")

	if received < total {
		return Result{Index: index, Received: received, Total: total}, nil
	}

	path, err := a.assemble(uploadID, assetName, total)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return Result{Complete: true, Index: index, Received: received, Total: total, Path: path}, nil
}

// countChunks counts distinct chunk indices in [0,total) present on disk.
func (a *Assembler) countChunks(uploadID, assetName string, total int) (int, error) {
	entries, err := os.ReadDir(a.stagingDir)
	if err != nil {
		return 0, err
	}
	prefix := uploadID + "_" + assetName + "_chunk_"
	seen := make(map[int]bool)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		i, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil || i < 0 || i >= total {
			continue
		}
		seen[i] = true
	}
	return len(seen), nil
}

// assemble concatenates chunks 0..total-1 in index order and removes them.
func (a *Assembler) assemble(uploadID, assetName string, total int) (string, error) {
	finalPath := a.AssetPath(uploadID, assetName)
	tmp, err := os.CreateTemp(a.assetDir, ".assemble-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (string, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}

	var size int64
	for i := 0; i < total; i++ {
		f, err := os.Open(filepath.Join(a.stagingDir, ChunkName(uploadID, assetName, i)))
		if err != nil {
			return fail(fmt.Errorf("open chunk %d: %w", i, err))
		}
		n, err := io.Copy(tmp, f)
		f.Close()
		if err != nil {
			return fail(fmt.Errorf("copy chunk %d: %w", i, err))
		}
		size += n
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync assembled file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("close assembled file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("finalize assembled file: %w", err)
	}

	for i := 0; i < total; i++ {
		chunk := filepath.Join(a.stagingDir, ChunkName(uploadID, assetName, i))
		if err := os.Remove(chunk); err != nil {
			log.Warn().Err(err).Str("chunk", chunk).Msg("Failed to remove chunk after assembly")
		}
	}

	log.Info().
		Str("uploadId", uploadID).
		Str("asset", assetName).
		Int("chunks", total).
		Int64("bytes", size).
		Msg("Upload assembled")
	return finalPath, nil
}

// writeAtomic writes body to path through a temporary file in dir so a
// failed write never leaves a truncated chunk behind.
func writeAtomic(dir, path string, body io.Reader) error {
	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
