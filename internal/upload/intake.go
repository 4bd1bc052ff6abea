package upload

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/fpang/depth-curator/internal/filehandler"
	"github.com/fpang/depth-curator/internal/session"
	"github.com/rs/zerolog/log"
)

// Thumbnailer produces a preview for an assembled asset. ok=false means no
// preview, which is not an error.
type Thumbnailer interface {
	Generate(ctx context.Context, assetPath, id, kind string, isVideo bool) (name string, ok bool)
}

// Chunk is one received piece of an asset upload.
type Chunk struct {
	SessionID string
	UploadID  string
	AssetName string
	Kind      session.Kind
	Index     int
	Total     int
	Body      io.Reader
}

// Receipt is what the caller learns after a chunk is stored.
type Receipt struct {
	Complete   bool
	Index      int
	Received   int
	Total      int
	Filename   string
	Thumbnail  string
	Thumbnails map[session.Kind][]string
}

// Intake connects the assembler to thumbnail generation and the session store.
type Intake struct {
	assembler  *Assembler
	thumbnails Thumbnailer
	sessions   *session.Store
}

// NewIntake wires an Intake.
func NewIntake(assembler *Assembler, thumbnails Thumbnailer, sessions *session.Store) *Intake {
	return &Intake{assembler: assembler, thumbnails: thumbnails, sessions: sessions}
}

// Receive stores a chunk. When it completes the upload, a thumbnail is
// attempted and then the asset and thumbnail are attached to the session in
// one session update, so a reader never sees the asset without its
// thumbnail having been attempted.
func (in *Intake) Receive(ctx context.Context, c Chunk) (*Receipt, error) {
	if err := validateKindExtension(c.Kind, c.AssetName); err != nil {
		return nil, err
	}
	if c.SessionID != "" && !in.sessions.Exists(c.SessionID) {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, c.SessionID)
	}

	res, err := in.assembler.PutChunk(c.UploadID, c.AssetName, c.Index, c.Total, c.Body)
	if err != nil {
		return nil, err
	}
	receipt := &Receipt{Complete: res.Complete, Index: res.Index, Received: res.Received, Total: res.Total}
	if !res.Complete {
		return receipt, nil
	}
	if res.Resent {
		return in.resentReceipt(receipt, c, res.Path)
	}

	receipt.Filename = filepath.Base(res.Path)
	thumb, ok := in.thumbnails.Generate(ctx, res.Path, c.UploadID, string(c.Kind), c.Kind != session.KindPattern)
	if ok {
		receipt.Thumbnail = thumb
	}

	if c.SessionID == "" {
		log.Info().Str("uploadId", c.UploadID).Str("asset", c.AssetName).Msg("Upload completed without a session")
		return receipt, nil
	}

	sess, err := in.sessions.AttachAsset(c.SessionID, c.Kind, session.Asset{
		ID:        c.UploadID,
		Name:      c.AssetName,
		Path:      res.Path,
		Thumbnail: receipt.Thumbnail,
	})
	if err != nil {
		return nil, err
	}
	receipt.Thumbnails = sess.Thumbnails()
	return receipt, nil
}

// resentReceipt repeats the completion answer for an upload that was already
// attached, without touching the session.
func (in *Intake) resentReceipt(receipt *Receipt, c Chunk, path string) (*Receipt, error) {
	receipt.Filename = filepath.Base(path)
	if c.SessionID == "" {
		return receipt, nil
	}
	sess, err := in.sessions.Get(c.SessionID)
	if err != nil {
		return nil, err
	}
	assets := sess.Patterns
	for _, a := range []*session.Asset{sess.Raw, sess.Depth} {
		if a != nil {
			assets = append(assets, *a)
		}
	}
	for _, a := range assets {
		if a.Path == path {
			receipt.Thumbnail = a.Thumbnail
		}
	}
	receipt.Thumbnails = sess.Thumbnails()
	return receipt, nil
}

func validateKindExtension(kind session.Kind, name string) error {
	ext := filepath.Ext(name)
	switch kind {
	case session.KindRaw, session.KindDepth:
		if !filehandler.IsVideo(ext) {
			return fmt.Errorf("%w: %s assets must be video files, got %q", ErrInvalidChunk, kind, ext)
		}
	case session.KindPattern:
		if !filehandler.IsImage(ext) {
			return fmt.Errorf("%w: pattern assets must be image files, got %q", ErrInvalidChunk, ext)
		}
	default:
		return fmt.Errorf("%w: unknown asset kind %q", ErrInvalidChunk, kind)
	}
	return nil
}
