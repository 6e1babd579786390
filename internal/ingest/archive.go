package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"

	"github.com/google/uuid"

	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
)

const archiveContentType = "application/x-ndjson"

// Archiver writes raw committed batches to a blob store as JSON Lines. Object
// names are content-addressed, so replaying an identical batch overwrites
// the same object.
type Archiver struct {
	blobs  feedback.BlobStore
	prefix string
	clock  feedback.Clock
}

// NewArchiver builds an Archiver writing under prefix.
func NewArchiver(blobs feedback.BlobStore, prefix string, clock feedback.Clock) *Archiver {
	return &Archiver{blobs: blobs, prefix: prefix, clock: clock}
}

// Archive stores records as one JSONL object and returns its URI. Objects
// are laid out as {prefix}/{owner}/{source}/{yyyy}/{mm}/{dd}/{digest}.jsonl.
func (a *Archiver) Archive(
	ctx context.Context,
	ownerID uuid.UUID,
	src feedback.Source,
	records []feedback.Record,
) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return "", fmt.Errorf("encode record %s: %w", rec.NativeID, err)
		}
	}
	sum := sha256.Sum256(buf.Bytes())
	name := path.Join(
		a.prefix,
		ownerID.String(),
		string(src),
		a.clock.Now().UTC().Format("2006/01/02"),
		hex.EncodeToString(sum[:12])+".jsonl",
	)
	uri, err := a.blobs.PutObject(ctx, name, archiveContentType, &buf)
	if err != nil {
		return "", fmt.Errorf("put %s: %w", name, err)
	}
	return uri, nil
}
