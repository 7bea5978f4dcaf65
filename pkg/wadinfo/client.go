/*
Copyright 2025 The Dorch Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wadinfo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the content service's internal HTTP API.
type Client struct {
	base string
	http *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{
		base: strings.TrimRight(endpoint, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// GetWad fetches the full read model for a wad. Returns (nil, nil) when
// the wad does not exist.
func (c *Client) GetWad(ctx context.Context, wadID string) (*ReadWad, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/wad/%s", c.base, url.PathEscape(wadID)), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get wad %s: %w", wadID, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	switch resp.StatusCode {
	case http.StatusOK:
		var wad ReadWad
		if err := json.NewDecoder(resp.Body).Decode(&wad); err != nil {
			return nil, fmt.Errorf("decode wad %s: %w", wadID, err)
		}
		return &wad, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, unexpectedStatus(resp)
	}
}

// MapAnalysisExists reports whether an analysis has been stored for the
// given map.
func (c *Client) MapAnalysisExists(ctx context.Context, wadID, mapName string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.mapAnalysisURL(wadID, mapName), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("check map analysis %s/%s: %w", wadID, mapName, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, unexpectedStatus(resp)
	}
}

// PostWadAnalysis stores a top-level wad analysis.
func (c *Client) PostWadAnalysis(ctx context.Context, analysis WadAnalysis) error {
	endpoint := fmt.Sprintf("%s/wad/%s/analysis", c.base, url.PathEscape(analysis.WadID))
	return c.postJSON(ctx, endpoint, analysis)
}

// PostMapAnalysis stores a per-map analysis.
func (c *Client) PostMapAnalysis(ctx context.Context, analysis MapAnalysis) error {
	return c.postJSON(ctx, c.mapAnalysisURL(analysis.WadID, analysis.MapName), analysis)
}

func (c *Client) mapAnalysisURL(wadID, mapName string) string {
	return fmt.Sprintf("%s/wad/%s/map/%s/analysis",
		c.base, url.PathEscape(wadID), url.PathEscape(mapName))
}

func (c *Client) postJSON(ctx context.Context, endpoint string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode >= 300 {
		return unexpectedStatus(resp)
	}
	return nil
}

func unexpectedStatus(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s %s: unexpected status %d: %s",
		resp.Request.Method, resp.Request.URL, resp.StatusCode, strings.TrimSpace(string(body)))
}
