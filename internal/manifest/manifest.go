// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package manifest resolves a content-addressed model package manifest
// from an HTTP gateway and describes the sibling blobs it names.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ContentID is an opaque string addressing a blob on a content gateway.
// It is used unmodified as a URL path segment.
type ContentID string

// BlobDescriptor names one sibling blob of a manifest.
type BlobDescriptor struct {
	CID      ContentID `json:"cid"`
	FileHash string    `json:"file_hash"`
	FileName string    `json:"file_name"`
}

// Manifest is the JSON document published at the top-level content ID.
type Manifest struct {
	FolderName string           `json:"folder_name"`
	NumOfFiles int              `json:"num_of_files"`
	Files      []BlobDescriptor `json:"files"`
	Family     string           `json:"family,omitempty"`
	RAM        float64          `json:"ram,omitempty"`

	// FilecoinHash is injected after fetch; it is the top-level ContentID
	// this manifest was resolved from, not part of the wire payload.
	FilecoinHash ContentID `json:"-"`
}

// Client resolves manifests and metadata documents from a content gateway.
type Client struct {
	HTTP       *http.Client
	ManifestBaseURL string // e.g. https://gateway.mesh3.network/ipfs/
	MetadataBaseURL string // e.g. https://gateway.lighthouse.storage/ipfs/
}

// NewClient builds a Client with the given gateway base URLs and HTTP client.
// The two base URLs are kept distinct per the supervisor's configuration —
// they are not assumed to be the same host.
func NewClient(httpClient *http.Client, manifestBaseURL, metadataBaseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{HTTP: httpClient, ManifestBaseURL: manifestBaseURL, MetadataBaseURL: metadataBaseURL}
}

// BlobURL returns the fully-qualified URL for a blob CID under the manifest gateway.
func (c *Client) BlobURL(cid ContentID) string {
	return fmt.Sprintf("%s%s", c.ManifestBaseURL, cid)
}

// FetchManifest resolves the manifest JSON for the given top-level hash.
// On a non-200 response it returns ErrManifestUnavailable.
func (c *Client) FetchManifest(ctx context.Context, hash ContentID) (*Manifest, error) {
	url := fmt.Sprintf("%s%s", c.ManifestBaseURL, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %s", ErrManifestUnavailable, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %v", ErrManifestUnavailable, err)
	}
	m.FilecoinHash = hash
	return &m, nil
}

// FamilyMetadata is the cached `<hash>.json` sidecar describing family/ram
// for command construction, fetched from the metadata gateway when no
// local cache exists.
type FamilyMetadata struct {
	FolderName string  `json:"folder_name"`
	Family     string  `json:"family"`
	RAM        float64 `json:"ram"`
}

// FetchFamilyMetadata resolves the family metadata document for hash from
// the metadata gateway (distinct from the manifest gateway).
func (c *Client) FetchFamilyMetadata(ctx context.Context, hash ContentID) (*FamilyMetadata, error) {
	url := fmt.Sprintf("%s%s", c.MetadataBaseURL, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build metadata request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %s", ErrManifestUnavailable, resp.Status)
	}

	var meta FamilyMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", ErrManifestUnavailable, err)
	}
	return &meta, nil
}
