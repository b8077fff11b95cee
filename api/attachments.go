package api

// Attachment describes a stored attachment record.
type Attachment struct {
	// ID is the attachment identifier (UUIDv7).
	ID string `json:"id"`
	// ContentHash is the git blob SHA-1 of the uploaded bytes.
	ContentHash string `json:"content_hash,omitempty"`
	// MIMEType is the media type detected at upload.
	MIMEType string `json:"mime_type,omitempty"`
	// Status is "normal" or "removed".
	Status string `json:"status"`
	// Title is the display title, defaulting to the uploaded file name stem.
	Title string `json:"title,omitempty"`
	// Size is the payload size in bytes.
	Size int64 `json:"size"`
	// ContextClass and ContextID name the owning record, if any.
	ContextClass string `json:"context_class,omitempty"`
	ContextID    string `json:"context_id,omitempty"`
	// ContentURL is the path of the original content.
	ContentURL string `json:"content_url,omitempty"`
	// ImageURL is the path of the full size image rendition.
	ImageURL string `json:"image_url,omitempty"`
	// CreatedAtUnix is the creation timestamp as Unix seconds.
	CreatedAtUnix int64 `json:"created_at_unix,omitempty"`
	// UpdatedAtUnix is the last update timestamp as Unix seconds.
	UpdatedAtUnix int64 `json:"updated_at_unix,omitempty"`
}

// UploadResponse acknowledges an upload.
type UploadResponse struct {
	Attachment Attachment `json:"attachment"`
}

// RemoveResponse acknowledges a removal.
type RemoveResponse struct {
	Attachment Attachment `json:"attachment"`
	Removed    bool       `json:"removed"`
}
