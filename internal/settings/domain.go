// Package settings stores instance-wide options edited by administrators.
package settings

import "time"

// Family is the storage family holding settings.
const Family = "settings"

// Known setting keys.
const (
	KeyContributorPrefix = "contributor_path_prefix"
	KeyMaxUploadSizeMB   = "max_file_upload_size_mb"
	KeyAllowedMIMETypes  = "allowed_mime_types"
	KeyAvailableTags     = "available_tags"
	KeyRestrictTags      = "restrict_tags"
)

// Defaults applied when a key has never been written. An empty MIME list
// disables uploads until an administrator configures it.
var Defaults = map[string]string{
	KeyContributorPrefix: "contributors",
	KeyMaxUploadSizeMB:   "10",
	KeyAllowedMIMETypes:  "",
	KeyAvailableTags:     "",
	KeyRestrictTags:      "false",
}

// Keys lists settings in display order.
var Keys = []string{
	KeyContributorPrefix,
	KeyMaxUploadSizeMB,
	KeyAllowedMIMETypes,
	KeyAvailableTags,
	KeyRestrictTags,
}

// Setting is one stored option.
type Setting struct {
	Key       string    `cbor:"key" json:"key"`
	Value     string    `cbor:"value" json:"value"`
	UpdatedAt time.Time `cbor:"updated_at" json:"updated_at"`
	UpdatedBy string    `cbor:"updated_by" json:"updated_by,omitempty"`
	Revision  int64     `cbor:"-" json:"revision"`
	Default   bool      `cbor:"-" json:"default"`
}
