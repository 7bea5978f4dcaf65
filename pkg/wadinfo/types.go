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

// Package wadinfo is the client for the content service that stores wad
// metadata, maps and analysis results.
package wadinfo

import "encoding/json"

// ReadWad is the full read model for one wad: metadata plus its maps.
// The analysis fields reference back into this structure on the server
// side; they are nulled out before the record is fed to the model.
type ReadWad struct {
	Meta ReadWadMeta  `json:"meta"`
	Maps []ReadWadMap `json:"maps"`
}

type ReadWadMeta struct {
	Meta      WadMeta      `json:"meta"`
	Analysis  *WadAnalysis `json:"analysis,omitempty"`
	TextFiles []TextFile   `json:"text_files,omitempty"`
}

type WadMeta struct {
	ID      string     `json:"id"`
	Title   *string    `json:"title,omitempty"`
	SHA1    string     `json:"sha1,omitempty"`
	SHA256  *string    `json:"sha256,omitempty"`
	Content WadContent `json:"content"`
}

// WadContent carries aggregate counts and a map listing; both are
// opaque to the analyzer and dropped from per-map payloads.
type WadContent struct {
	Counts json.RawMessage `json:"counts,omitempty"`
	Maps   json.RawMessage `json:"maps,omitempty"`
}

type ReadWadMap struct {
	Map      MapReference `json:"map"`
	Analysis *MapAnalysis `json:"analysis,omitempty"`
	Images   []WadImage   `json:"images,omitempty"`
}

type MapReference struct {
	Map string `json:"map"`
}

type WadImage struct {
	URL string `json:"url"`
}

type TextFile struct {
	Name     string `json:"name"`
	Contents string `json:"contents"`
}

// WadAnalysis is the model's verdict on a whole wad.
type WadAnalysis struct {
	WadID       string   `json:"wad_id"`
	Title       *string  `json:"title,omitempty"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// MapAnalysis is the model's verdict on a single map.
type MapAnalysis struct {
	WadID       string   `json:"wad_id"`
	MapName     string   `json:"map_name"`
	MapTitle    *string  `json:"map_title,omitempty"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}
