// Package client implements the backup protocol's client side: thin RPC
// wrappers around the server's HTTP/2 (h2c) endpoints, and an upload
// pipeline that chunks a source stream, skips chunks the server already
// has, and uploads the rest with bounded concurrency while preserving
// archive order.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"dedupvault/internal/wire"

	"golang.org/x/net/http2"
)

// Client talks to one dedupvaultd server over an h2c-upgraded HTTP/2
// connection.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "http://backup01:8007"). The
// transport dials plaintext TCP and speaks HTTP/2 with prior knowledge
// (no TLS, no protocol negotiation), the client-side counterpart of the
// server's h2c.NewHandler upgrade.
func New(baseURL string) *Client {
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb wire.ErrorBody
		data, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(data, &eb)
		if eb.Message == "" {
			eb.Message = resp.Status
		}
		return fmt.Errorf("client: %s %s: %s: %s", method, path, eb.Kind, eb.Message)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, http.MethodPost, path, query, body, out)
}

// OpenSession begins a new backup session for one group/timestamp.
func (c *Client) OpenSession(ctx context.Context, groupType, groupID string, timeUnix int64) (string, error) {
	var resp wire.OpenSessionResponse
	req := wire.OpenSessionRequest{GroupType: groupType, GroupID: groupID, TimeUnix: timeUnix}
	if err := c.postJSON(ctx, "/backup/open_session", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

func sessionQuery(sessionID string) url.Values {
	q := url.Values{}
	q.Set("session", sessionID)
	return q
}

// CreateDynamicIndex opens a .didx writer within sessionID.
func (c *Client) CreateDynamicIndex(ctx context.Context, sessionID, archiveName string) (uint16, error) {
	var resp wire.CreateWriterResponse
	req := wire.CreateDynamicIndexRequest{ArchiveName: archiveName}
	if err := c.postJSON(ctx, "/backup/create_dynamic_index", sessionQuery(sessionID), req, &resp); err != nil {
		return 0, err
	}
	return resp.WriterID, nil
}

// CreateFixedIndex opens a .fidx writer within sessionID.
func (c *Client) CreateFixedIndex(ctx context.Context, sessionID, archiveName string, size, chunkSize uint64) (uint16, error) {
	var resp wire.CreateWriterResponse
	req := wire.CreateFixedIndexRequest{ArchiveName: archiveName, Size: size, ChunkSize: chunkSize}
	if err := c.postJSON(ctx, "/backup/create_fixed_index", sessionQuery(sessionID), req, &resp); err != nil {
		return 0, err
	}
	return resp.WriterID, nil
}

// UploadChunk uploads plaintext under digest (hex-encoded), returning
// whether the server already had it.
func (c *Client) UploadChunk(ctx context.Context, sessionID, digestHex string, plaintext []byte, zstdEncoding, encrypt bool) (wire.UploadChunkResponse, error) {
	q := sessionQuery(sessionID)
	q.Set("digest", digestHex)
	if zstdEncoding {
		q.Set("encoding", "zstd")
	}
	if encrypt {
		q.Set("encrypt", "true")
	}
	var resp wire.UploadChunkResponse
	err := c.do(ctx, http.MethodPost, "/backup/upload_chunk", q, bytes.NewReader(plaintext), &resp)
	return resp, err
}

// DynamicAppend appends entries to a dynamic index writer, in list order.
func (c *Client) DynamicAppend(ctx context.Context, sessionID string, writerID uint16, digests []string, endOffsets []uint64) error {
	req := wire.DynamicAppendRequest{WriterID: writerID, Digests: digests, EndOffsets: endOffsets}
	return c.postJSON(ctx, "/backup/dynamic_append", sessionQuery(sessionID), req, nil)
}

// FixedAppend appends slots to a fixed index writer, in list order.
// offsets are byte offsets into the source image, each a multiple of the
// writer's chunk_size.
func (c *Client) FixedAppend(ctx context.Context, sessionID string, writerID uint16, digests []string, offsets []uint64) error {
	req := wire.FixedAppendRequest{WriterID: writerID, Digests: digests, Offsets: offsets}
	return c.postJSON(ctx, "/backup/fixed_append", sessionQuery(sessionID), req, nil)
}

// CloseDynamicIndex finalizes a dynamic index writer.
func (c *Client) CloseDynamicIndex(ctx context.Context, sessionID string, writerID uint16, count, size uint64, checksum string) error {
	req := wire.CloseWriterRequest{WriterID: writerID, Count: count, Size: size, Checksum: checksum}
	return c.postJSON(ctx, "/backup/close_dynamic_index", sessionQuery(sessionID), req, nil)
}

// CloseFixedIndex finalizes a fixed index writer.
func (c *Client) CloseFixedIndex(ctx context.Context, sessionID string, writerID uint16, count, size uint64, checksum string) error {
	req := wire.CloseWriterRequest{WriterID: writerID, Count: count, Size: size, Checksum: checksum}
	return c.postJSON(ctx, "/backup/close_fixed_index", sessionQuery(sessionID), req, nil)
}

// UploadBlob writes a small named auxiliary file directly into the
// snapshot directory.
func (c *Client) UploadBlob(ctx context.Context, sessionID, name string, data []byte) error {
	q := sessionQuery(sessionID)
	q.Set("name", name)
	return c.do(ctx, http.MethodPost, "/backup/upload_blob", q, bytes.NewReader(data), nil)
}

// DownloadPreviousIndex streams the previous snapshot's digest list for
// archive (one hex digest per line), or an empty list if there is none.
func (c *Client) DownloadPreviousIndex(ctx context.Context, sessionID, archive string) ([]string, error) {
	q := sessionQuery(sessionID)
	q.Set("archive", archive)
	u := c.baseURL + "/backup/download_previous_index?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("client: download_previous_index: %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range bytes.Split(bytes.TrimSpace(data), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		out = append(out, string(line))
	}
	return out, nil
}

// Finish closes out the session; extra names any auxiliary blob archives
// to record in the manifest alongside the writers the server already
// tracked.
func (c *Client) Finish(ctx context.Context, sessionID string, extra []wire.ManifestArchiveEntry) error {
	req := wire.FinishRequest{ExtraArchives: extra}
	return c.postJSON(ctx, "/backup/finish", sessionQuery(sessionID), req, nil)
}

// Abort cancels the session.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	return c.postJSON(ctx, "/backup/abort", sessionQuery(sessionID), nil, nil)
}

// ListGroups enumerates every backup group in the datastore.
func (c *Client) ListGroups(ctx context.Context) ([]wire.GroupEntry, error) {
	var resp wire.ListGroupsResponse
	if err := c.do(ctx, http.MethodGet, "/backup/list_groups", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// ListSnapshots enumerates every snapshot in one group, oldest first.
func (c *Client) ListSnapshots(ctx context.Context, groupType, groupID string) ([]wire.SnapshotEntry, error) {
	q := url.Values{}
	q.Set("type", groupType)
	q.Set("id", groupID)
	var resp wire.ListSnapshotsResponse
	if err := c.do(ctx, http.MethodGet, "/backup/list_snapshots", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

// GC triggers an on-demand garbage collection sweep.
func (c *Client) GC(ctx context.Context) (wire.GCResponse, error) {
	var resp wire.GCResponse
	err := c.postJSON(ctx, "/backup/gc", nil, nil, &resp)
	return resp, err
}
