// Package media manages uploaded assets. Assets are owned by a principal
// and may be linked to content items; deleting content never deletes them.
package media

import (
	"context"
	"time"

	"github.com/appbase-cms/appbase/internal/authz"
)

// Asset describes an uploaded file. The payload lives in a blob store.
type Asset struct {
	ID            string    `cbor:"id" json:"id"`
	OwnerID       string    `cbor:"owner_id" json:"owner_id"`
	Filename      string    `cbor:"filename" json:"filename"`
	StoragePath   string    `cbor:"storage_path" json:"-"`
	MIMEType      string    `cbor:"mime_type" json:"mime_type"`
	Size          int64     `cbor:"size" json:"size"`
	Digest        string    `cbor:"digest" json:"digest"`
	LinkedContent []string  `cbor:"linked_content" json:"linked_content"`
	CreatedAt     time.Time `cbor:"created_at" json:"created_at"`
	Revision      int64     `cbor:"-" json:"revision"`
}

// Resource describes the asset to the policy.
func (a Asset) Resource() authz.Resource {
	return authz.Resource{Kind: authz.KindMedia, OwnerID: a.OwnerID}
}

// Upload carries an incoming file.
type Upload struct {
	Filename string
	MIMEType string
	Size     int64
}

// Validator decides whether an upload is acceptable.
type Validator interface {
	Check(ctx context.Context, up Upload) error
}
