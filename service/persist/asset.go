package persist

import (
	"fmt"
	"time"
)

// Asset is the on-chain record of a registered digital asset joined with its
// off-chain metadata.
type Asset struct {
	TokenID          TokenID         `json:"token_id"`
	Owner            EthereumAddress `json:"owner"`
	CID              CID             `json:"cid"`
	ContentHash      HexHash         `json:"content_hash"`
	Version          int64           `json:"version"`
	IsCertified      bool            `json:"is_certified"`
	RegistrationDate time.Time       `json:"registration_date"`
	Metadata         MetadataResult  `json:"metadata"`
}

// AssetMetadata is the off-chain metadata stored alongside content at the
// asset's CID. It is immutable once uploaded; an update produces a new CID.
type AssetMetadata struct {
	FileName    string   `json:"fileName"`
	FileType    string   `json:"fileType"`
	FileSize    int64    `json:"fileSize"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Created     string   `json:"created,omitempty"`
}

// MetadataResult carries either resolved off-chain metadata or the error that
// prevented resolving it, so callers can tell "no data" apart from "fetch
// failed" instead of receiving a fabricated default.
type MetadataResult struct {
	Metadata *AssetMetadata `json:"metadata,omitempty"`
	Err      error          `json:"-"`
}

// Resolved reports whether metadata was successfully fetched.
func (r MetadataResult) Resolved() bool {
	return r.Metadata != nil
}

// ChunkRef identifies one chunk of a chunked upload.
type ChunkRef struct {
	Path string `json:"path"`
	CID  CID    `json:"cid"`
	Size int64  `json:"size"`
}

// ChunkIndex is the index document written alongside chunked content,
// listing every chunk in order together with the original total size.
type ChunkIndex struct {
	TotalChunks int        `json:"totalChunks"`
	TotalSize   int64      `json:"totalSize"`
	Chunks      []ChunkRef `json:"chunks"`
}

// ErrAssetNotFound is returned when a token has no on-chain record, either
// because it never existed or because it was burned.
type ErrAssetNotFound struct {
	TokenID TokenID
}

func (e ErrAssetNotFound) Error() string {
	return fmt.Sprintf("asset not found for token %d", e.TokenID)
}

// ErrNotOwner is returned when an operation requires ownership the caller does
// not have.
type ErrNotOwner struct {
	TokenID TokenID
	Owner   EthereumAddress
	Caller  EthereumAddress
}

func (e ErrNotOwner) Error() string {
	return fmt.Sprintf("token %d is owned by %s, not %s", e.TokenID, e.Owner, e.Caller)
}
