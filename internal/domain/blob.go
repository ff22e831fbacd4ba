package domain

import "time"

// BlobType classifies a stored attachment.
type BlobType string

const (
	BlobCode  BlobType = "code"
	BlobDoc   BlobType = "doc"
	BlobImage BlobType = "image"
	BlobData  BlobType = "data"
)

// BlobTTL is the fixed time-to-live applied to every blob at upload time.
const BlobTTL = 24 * time.Hour

// Blob is a stored file attachment, addressed by a server-minted ULID;
// the ID is not derived from the content, whose SHA-256 digest is kept
// in SHA256. The
// payload is kept separately from this metadata so listing and metadata
// lookups stay cheap.
type Blob struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      BlobType  `json:"type"`
	MimeType  string    `json:"mimeType,omitempty"`
	Size      int64     `json:"size"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}
