// Package archive keeps copies of unparseable messages in Cloud Storage and
// reads gs:// objects back for offline replay.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dvloznov/mailtx/internal/domain"
	"github.com/dvloznov/mailtx/internal/logger"
)

// Store is the object storage the archive writes to.
type Store interface {
	// Put writes data under object, replacing any previous content, and
	// returns the object's URI.
	Put(ctx context.Context, object string, data []byte, contentType string) (string, error)

	// Open reads the object at uri.
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// ParseURI splits gs://bucket/path/to/object into bucket and object path.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// FilenameFromURI returns the last path element of a gs:// URI.
// e.g., "gs://bucket/folder/inbox.mbox" → "inbox.mbox"
func FilenameFromURI(uri string) string {
	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 {
		return trimmed
	}
	return path.Base(parts[1])
}

// objectName places one failure under prefix/runID.
func objectName(prefix, runID string, i int, messageID string) string {
	id := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, strings.Trim(messageID, "<>"))
	if id == "" {
		id = "no-message-id"
	}
	return path.Join(prefix, runID, fmt.Sprintf("%04d-%s.json", i, id))
}

// Failures writes every descriptor to st under prefix/runID and returns a
// copy with ArchiveURI set on the ones that were stored. It is best effort:
// a failed write is logged and leaves that descriptor's ArchiveURI empty.
func Failures(ctx context.Context, st Store, prefix, runID string, failures []domain.FailureDescriptor) []domain.FailureDescriptor {
	log := logger.FromContext(ctx)
	out := append([]domain.FailureDescriptor(nil), failures...)

	stored := 0
	for i := range out {
		if ctx.Err() != nil {
			log.Warn().Err(ctx.Err()).Int("remaining", len(out)-i).Msg("Failure archiving cancelled")
			break
		}

		data, err := json.MarshalIndent(out[i], "", "  ")
		if err != nil {
			log.Error().Err(err).Str("message_id", out[i].MessageID).Msg("Failed to encode failure")
			continue
		}
		uri, err := st.Put(ctx, objectName(prefix, runID, i, out[i].MessageID), data, "application/json")
		if err != nil {
			log.Error().Err(err).Str("message_id", out[i].MessageID).Msg("Failed to archive failure")
			continue
		}
		out[i].ArchiveURI = uri
		stored++
	}

	log.Info().Int("archived", stored).Int("failures", len(out)).Msg("Failures archived")
	return out
}

// OpenFunc reads the object or file at uri.
type OpenFunc func(ctx context.Context, uri string) (io.ReadCloser, error)

// Loader opens gs:// URIs through st and everything else through local.
func Loader(st Store, local OpenFunc) OpenFunc {
	return func(ctx context.Context, uri string) (io.ReadCloser, error) {
		if st != nil && strings.HasPrefix(uri, "gs://") {
			return st.Open(ctx, uri)
		}
		return local(ctx, uri)
	}
}
