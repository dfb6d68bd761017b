// Package archive writes immutable NDJSON snapshots of an identity's history
// to blob storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"stockroom/internal/blob"
	"stockroom/pkg/domain"
)

// ContentType of every archive blob.
const ContentType = "application/x-ndjson"

const (
	keyPrefix       = "history/"
	fetchPageSize   = 200
	timestampLayout = "20060102T150405.000000000Z"
)

// Metadata keys attached to each archive.
const (
	MetaIdentityID = "identity-id"
	MetaCode       = "identity-code"
	MetaEntries    = "entries"
)

// HistorySource is the read side of the inventory service used by the exporter.
type HistorySource interface {
	Identity(ctx context.Context, id string) (domain.Identity, error)
	HistoryFor(ctx context.Context, identityID string, pageSize int) iter.Seq2[domain.HistoryEntry, error]
}

// Exporter snapshots history into a write-once blob store.
type Exporter struct {
	source HistorySource
	store  blob.Store
	now    func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithNow overrides the clock used to name archives.
func WithNow(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExporter builds an exporter over source and store.
func NewExporter(source HistorySource, store blob.Store, opts ...Option) *Exporter {
	e := &Exporter{source: source, store: store, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export writes the full history of identityID, newest entry first, to
// history/<code>/<UTC timestamp>.ndjson and returns the stored blob.
func (e *Exporter) Export(ctx context.Context, identityID string) (blob.Info, error) {
	identity, err := e.source.Identity(ctx, identityID)
	if err != nil {
		return blob.Info{}, err
	}
	var (
		buf   bytes.Buffer
		count int
	)
	enc := json.NewEncoder(&buf)
	for entry, err := range e.source.HistoryFor(ctx, identity.ID, fetchPageSize) {
		if err != nil {
			return blob.Info{}, fmt.Errorf("read history of %s: %w", identity.Code, err)
		}
		if err := enc.Encode(entry); err != nil {
			return blob.Info{}, fmt.Errorf("encode history entry %d: %w", entry.Seq, err)
		}
		count++
	}

	key := Key(identity.Code, e.now())
	info, err := e.store.Put(ctx, key, bytes.NewReader(buf.Bytes()), blob.PutOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			MetaIdentityID: identity.ID,
			MetaCode:       identity.Code,
			MetaEntries:    strconv.Itoa(count),
		},
	})
	if errors.Is(err, blob.ErrExists) {
		return blob.Info{}, domain.Errorf(domain.ErrConflict, "archive %s already exists", key)
	}
	if err != nil {
		return blob.Info{}, fmt.Errorf("store archive %s: %w", key, err)
	}
	return info, nil
}

// List returns the archives stored for an identity code, oldest first.
func (e *Exporter) List(ctx context.Context, code string) ([]blob.Info, error) {
	if code == "" {
		return nil, domain.Errorf(domain.ErrInvalidRequest, "identity code is required")
	}
	infos, err := e.store.List(ctx, keyPrefix+code+"/")
	if err != nil {
		return nil, fmt.Errorf("list archives of %s: %w", code, err)
	}
	if infos == nil {
		infos = []blob.Info{}
	}
	return infos, nil
}

// Key names the archive of code taken at t.
func Key(code string, t time.Time) string {
	return keyPrefix + code + "/" + t.UTC().Format(timestampLayout) + ".ndjson"
}
