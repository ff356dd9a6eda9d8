package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"cycletime/internal/apperr"
)

var ErrNotExist = errors.New("document does not exist")

// Backend persists whole named documents. Save must replace the previous
// body atomically: readers see either the old or the new document.
type Backend interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, body []byte) error
}

// ReadJSON decodes a document into out. found is false when the document
// does not exist or is blank. I/O failures come back as StorageError and
// undecodable bodies as CorruptDataError.
func ReadJSON(ctx context.Context, b Backend, name string, out any) (found bool, err error) {
	raw, err := b.Load(ctx, name)
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Storage("load", name, err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, apperr.Corrupt(name, "%v", err)
	}
	return true, nil
}

func WriteJSON(ctx context.Context, b Backend, name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperr.Storage("encode", name, err)
	}
	return apperr.Storage("save", name, b.Save(ctx, name, append(raw, '\n')))
}
