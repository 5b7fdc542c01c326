// Package ipfs uploads and fetches asset content through the IPFS HTTP API,
// handling directory wrapping, large-file chunking and gateway fallback.
package ipfs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/assetvault/go-assetvault/env"
	"github.com/assetvault/go-assetvault/service/logger"
	"github.com/assetvault/go-assetvault/service/persist"
	"github.com/assetvault/go-assetvault/util"
	shell "github.com/ipfs/go-ipfs-api"
)

func init() {
	env.RegisterValidation("IPFS_URL", "required")
}

const (
	// chunkAddTimeout bounds a single chunk or file add.
	chunkAddTimeout = 30 * time.Second
	// dirBuildTimeout bounds assembling a directory object.
	dirBuildTimeout = 120 * time.Second

	metadataFile = "metadata.json"
	contentFile  = "content"
	indexFile    = "chunks-index.json"
)

// shellAPI is the subset of *shell.Shell the store needs, extracted so tests
// can run against a fake node.
type shellAPI interface {
	Add(r io.Reader, options ...shell.AddOpts) (string, error)
	Cat(path string) (io.ReadCloser, error)
	NewObject(template string) (string, error)
	PatchLink(root, path, childhash string, create bool) (string, error)
	IsUp() bool
}

// ErrUpload is the terminal upload failure, returned only after retries and
// the bare-add fallback have both been exhausted.
type ErrUpload struct {
	Err error
}

func (e ErrUpload) Error() string {
	return fmt.Sprintf("upload failed: %s", e.Err)
}

func (e ErrUpload) Unwrap() error {
	return e.Err
}

// ErrNotFound is returned when a CID cannot be resolved on any configured
// gateway.
type ErrNotFound struct {
	CID persist.CID
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("content not found for cid %s", e.CID)
}

// ProgressFunc receives chunk-upload progress. Panics inside the callback are
// recovered and logged so a misbehaving observer cannot abort an upload.
type ProgressFunc func(done, total int)

// Store talks to a primary IPFS node with ordered read fallbacks.
type Store struct {
	primary    shellAPI
	fallbacks  []shellAPI
	chunkSize  int64
	maxRetries int
}

// NewShell builds the primary IPFS API client. Project credentials take
// precedence over a plain API URL; both come from the environment.
func NewShell() *shell.Shell {
	url := env.GetString("IPFS_URL")
	projectID := env.GetString("IPFS_PROJECT_ID")
	projectSecret := env.GetString("IPFS_PROJECT_SECRET")

	if projectID != "" && projectSecret != "" {
		client := &http.Client{
			Transport: authTransport{
				RoundTripper:  http.DefaultTransport,
				ProjectID:     projectID,
				ProjectSecret: projectSecret,
			},
		}
		return shell.NewShellWithClient(url, client)
	}

	sh := shell.NewShell(url)
	sh.SetTimeout(dirBuildTimeout)
	return sh
}

// authTransport decorates each request with project credentials.
type authTransport struct {
	http.RoundTripper
	ProjectID     string
	ProjectSecret string
}

func (t authTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.SetBasicAuth(t.ProjectID, t.ProjectSecret)
	return t.RoundTripper.RoundTrip(r)
}

// NewStore wires a store over the given primary shell plus one read-only
// fallback shell per configured fallback URL.
func NewStore(primary *shell.Shell) *Store {
	var fallbacks []shellAPI
	for _, url := range env.GetStringSlice("IPFS_FALLBACK_URLS") {
		fallbacks = append(fallbacks, shell.NewShell(url))
	}
	return newStore(primary, fallbacks)
}

func newStore(primary shellAPI, fallbacks []shellAPI) *Store {
	return &Store{
		primary:    primary,
		fallbacks:  fallbacks,
		chunkSize:  int64(env.GetInt("UPLOAD_CHUNK_SIZE")),
		maxRetries: env.GetInt("IPFS_MAX_RETRIES"),
	}
}

// IsUp reports whether any configured node answers the API. Reads can still
// be served by a fallback gateway when the primary is down.
func (s *Store) IsUp() bool {
	if s.primary.IsUp() {
		return true
	}
	for _, node := range s.fallbacks {
		if node.IsUp() {
			return true
		}
	}
	return false
}

// chunkThreshold is the size at which uploads switch to chunked layout.
func (s *Store) chunkThreshold() int64 {
	return s.chunkSize * 5
}

// Upload stores content and optional metadata, returning the root CID.
//
// Three layouts are produced depending on input:
//   - content only, under the chunk threshold: a bare file add
//   - with metadata, under the threshold: a directory of content + metadata.json
//   - at or over the threshold: a directory of fixed-size chunks plus
//     chunks-index.json (and metadata.json when present)
//
// If a structured layout cannot be assembled, the content is re-uploaded as a
// bare file rather than failing, so the bytes are never lost to a directory
// assembly error.
func (s *Store) Upload(ctx context.Context, content []byte, metadata *persist.AssetMetadata, onProgress ProgressFunc) (persist.CID, error) {
	var cid persist.CID
	var err error

	switch {
	case int64(len(content)) >= s.chunkThreshold():
		cid, err = s.uploadChunked(ctx, content, metadata, onProgress)
	case metadata != nil:
		cid, err = s.uploadDir(ctx, content, metadata)
	default:
		cid, err = s.addWithRetry(ctx, content, chunkAddTimeout)
	}

	if err == nil {
		return cid, nil
	}

	logger.For(ctx).Warnf("structured upload failed, falling back to bare add: %s", err)
	cid, bareErr := s.addWithRetry(ctx, content, chunkAddTimeout)
	if bareErr != nil {
		return "", ErrUpload{Err: err}
	}
	return cid, nil
}

func (s *Store) uploadDir(ctx context.Context, content []byte, metadata *persist.AssetMetadata) (persist.CID, error) {
	contentCID, err := s.addWithRetry(ctx, content, chunkAddTimeout)
	if err != nil {
		return "", err
	}

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshalling metadata: %w", err)
	}
	metaCID, err := s.addWithRetry(ctx, metaJSON, chunkAddTimeout)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, dirBuildTimeout)
	defer cancel()
	return s.buildDir(ctx, map[string]persist.CID{
		contentFile:  contentCID,
		metadataFile: metaCID,
	})
}

func (s *Store) uploadChunked(ctx context.Context, content []byte, metadata *persist.AssetMetadata, onProgress ProgressFunc) (persist.CID, error) {
	size := int64(len(content))
	total := int((size + s.chunkSize - 1) / s.chunkSize)
	index := persist.ChunkIndex{
		TotalChunks: total,
		TotalSize:   size,
		Chunks:      make([]persist.ChunkRef, 0, total),
	}
	links := map[string]persist.CID{}

	for i := 0; i < total; i++ {
		start := int64(i) * s.chunkSize
		end := start + s.chunkSize
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		chunk := content[start:end]

		cid, err := s.addWithRetry(ctx, chunk, chunkAddTimeout)
		if err != nil {
			return "", fmt.Errorf("uploading chunk %d/%d: %w", i+1, total, err)
		}

		path := fmt.Sprintf("chunk-%d", i)
		index.Chunks = append(index.Chunks, persist.ChunkRef{Path: path, CID: cid, Size: int64(len(chunk))})
		links[path] = cid
		notifyProgress(ctx, onProgress, i+1, total)
	}

	indexJSON, err := json.Marshal(index)
	if err != nil {
		return "", fmt.Errorf("marshalling chunk index: %w", err)
	}
	indexCID, err := s.addWithRetry(ctx, indexJSON, chunkAddTimeout)
	if err != nil {
		return "", err
	}
	links[indexFile] = indexCID

	if metadata != nil {
		metaJSON, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("marshalling metadata: %w", err)
		}
		metaCID, err := s.addWithRetry(ctx, metaJSON, chunkAddTimeout)
		if err != nil {
			return "", err
		}
		links[metadataFile] = metaCID
	}

	ctx, cancel := context.WithTimeout(ctx, dirBuildTimeout)
	defer cancel()
	return s.buildDir(ctx, links)
}

// buildDir assembles an empty unixfs directory and links each entry into it.
func (s *Store) buildDir(ctx context.Context, links map[string]persist.CID) (persist.CID, error) {
	root, err := s.primary.NewObject("unixfs-dir")
	if err != nil {
		return "", fmt.Errorf("creating directory object: %w", err)
	}
	// Deterministic link order keeps the root CID stable for identical input.
	for _, name := range sortedKeys(links) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		root, err = s.primary.PatchLink(root, name, links[name].String(), false)
		if err != nil {
			return "", fmt.Errorf("linking %s: %w", name, err)
		}
	}
	return persist.CID(root), nil
}

func (s *Store) addWithRetry(ctx context.Context, data []byte, timeout time.Duration) (persist.CID, error) {
	type addResult struct {
		cid string
		err error
	}
	var cid string
	err := util.Retry(ctx, s.maxRetries, time.Second, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		done := make(chan addResult, 1)
		go func() {
			added, addErr := s.primary.Add(bytes.NewReader(data), shell.Pin(true))
			done <- addResult{cid: added, err: addErr}
		}()
		select {
		case r := <-done:
			if r.err != nil {
				return r.err
			}
			cid = r.cid
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return "", err
	}
	return persist.CID(cid), nil
}

// FetchResult is the resolved content behind a CID together with whatever
// metadata was stored alongside it.
type FetchResult struct {
	Content  []byte
	Metadata *persist.AssetMetadata
}

// Fetch resolves a CID of any layout the store produces. It probes for the
// structured layouts first and falls back to reading the CID as a bare file.
func (s *Store) Fetch(ctx context.Context, cid persist.CID) (FetchResult, error) {
	result := FetchResult{}

	if metaBytes, err := s.cat(ctx, cid.String()+"/"+metadataFile); err == nil {
		var m persist.AssetMetadata
		if err := json.Unmarshal(metaBytes, &m); err == nil {
			result.Metadata = &m
		}
	}

	if indexBytes, err := s.cat(ctx, cid.String()+"/"+indexFile); err == nil {
		var index persist.ChunkIndex
		if err := json.Unmarshal(indexBytes, &index); err != nil {
			return result, fmt.Errorf("corrupt chunk index for %s: %w", cid, err)
		}
		content, err := s.reassemble(ctx, cid, index)
		if err != nil {
			return result, err
		}
		result.Content = content
		return result, nil
	}

	if content, err := s.cat(ctx, cid.String()+"/"+contentFile); err == nil {
		result.Content = content
		return result, nil
	}

	content, err := s.cat(ctx, cid.String())
	if err != nil {
		return result, ErrNotFound{CID: cid}
	}
	result.Content = content
	return result, nil
}

// reassemble streams every chunk in index order and verifies the total size.
func (s *Store) reassemble(ctx context.Context, root persist.CID, index persist.ChunkIndex) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, index.TotalSize))
	for _, chunk := range index.Chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.cat(ctx, root.String()+"/"+chunk.Path)
		if err != nil {
			return nil, fmt.Errorf("fetching chunk %s of %s: %w", chunk.Path, root, err)
		}
		buf.Write(data)
	}
	if int64(buf.Len()) != index.TotalSize {
		return nil, fmt.Errorf("reassembled %d bytes for %s, index declares %d", buf.Len(), root, index.TotalSize)
	}
	return buf.Bytes(), nil
}

// cat reads a path from the primary node, trying each fallback in order when
// the primary cannot serve it.
func (s *Store) cat(ctx context.Context, path string) ([]byte, error) {
	nodes := append([]shellAPI{s.primary}, s.fallbacks...)
	var lastErr error
	for i, node := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := node.Cat(path)
		if err != nil {
			lastErr = err
			if i > 0 {
				logger.For(ctx).Debugf("fallback gateway %d failed for %s: %s", i, path, err)
			}
			continue
		}
		data, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return data, nil
	}
	return nil, lastErr
}

func notifyProgress(ctx context.Context, fn ProgressFunc, done, total int) {
	if fn == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			logger.For(ctx).Errorf("progress callback panicked: %v", p)
		}
	}()
	fn(done, total)
}

func sortedKeys(m map[string]persist.CID) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Chunk names sort lexically wrong (chunk-10 < chunk-2) but link order only
	// needs to be deterministic, not numeric.
	sort.Strings(keys)
	return keys
}
