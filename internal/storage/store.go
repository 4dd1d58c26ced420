// Package storage uploads training archives to write-once object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ArchiveContentType is the MIME type of every uploaded training archive.
const ArchiveContentType = "application/zip"

// ErrObjectExists is returned when the key is already taken. Stores never
// overwrite.
var ErrObjectExists = errors.New("storage: object already exists")

// Uploader stores a blob under key and exposes its public URL.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	PublicURL(key string) string
}

// ArchiveKey derives a unique object name from the model name: lowercased,
// whitespace runs replaced by underscores, a random suffix and .zip.
func ArchiveKey(modelName string) string {
	slug := strings.ToLower(strings.Join(strings.Fields(modelName), "_"))
	if slug == "" {
		slug = "model"
	}
	return fmt.Sprintf("%s_%s.zip", slug, uuid.NewString())
}
