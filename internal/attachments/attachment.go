// Package attachments owns attachment records, content ingestion and the
// service that ties records to delivery.
package attachments

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of an attachment.
type Status string

const (
	// StatusNormal is the default state.
	StatusNormal Status = "normal"
	// StatusRemoved marks a soft deleted attachment. Its record stays
	// readable but its content is no longer delivered.
	StatusRemoved Status = "removed"
)

var (
	// ErrNotFound reports an unknown attachment id.
	ErrNotFound = errors.New("attachments: not found")
	// ErrContractViolation reports an attempt to load content into an
	// attachment that already has a content hash.
	ErrContractViolation = errors.New("attachments: content already loaded")
	// ErrConflict reports a concurrent record update.
	ErrConflict = errors.New("attachments: record changed concurrently")
	// ErrRemoved reports delivery of a removed attachment.
	ErrRemoved = errors.New("attachments: removed")
)

// ValidationError reports an unusable upload source.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("attachments: invalid %s: %s", e.Field, e.Reason)
}

// Attachment is the persisted record for one uploaded file.
type Attachment struct {
	ID           string    `json:"id"`
	ContentHash  string    `json:"content_hash,omitempty"`
	MIMEType     string    `json:"mime_type,omitempty"`
	Status       Status    `json:"status"`
	Title        string    `json:"title,omitempty"`
	Size         int64     `json:"size"`
	ContextClass string    `json:"context_class,omitempty"`
	ContextID    string    `json:"context_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// version is the record store revision used for conditional updates.
	version string
}

// Clone returns a copy of a that shares no mutable state.
func (a *Attachment) Clone() *Attachment {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// HasContent reports whether content has been loaded.
func (a *Attachment) HasContent() bool { return a != nil && a.ContentHash != "" }

// TitleFromName derives a default title from an uploaded file name by
// dropping its directory and final extension.
func TitleFromName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return ""
	}
	base := path.Base(name)
	if base == "." || base == "/" {
		return ""
	}
	if ext := path.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// ImageURL returns the image route for attachment id under base. When only
// one bound is set it is used for both.
func ImageURL(base, id string, maxWidth, maxHeight int) string {
	prefix := strings.TrimRight(base, "/") + "/" + id + "/image"
	if maxWidth <= 0 && maxHeight <= 0 {
		return prefix
	}
	if maxWidth <= 0 {
		maxWidth = maxHeight
	}
	if maxHeight <= 0 {
		maxHeight = maxWidth
	}
	return prefix + "/" + strconv.Itoa(maxWidth) + "/" + strconv.Itoa(maxHeight)
}
