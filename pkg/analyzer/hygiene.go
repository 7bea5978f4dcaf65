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

package analyzer

import (
	"fmt"

	"github.com/beebs-dev/dorch/pkg/wadinfo"
)

const textFileCharLimit = 5000

// OptimizeReadWad strips fields the model has no use for: content
// hashes, image lists and the analysis back-references that would make
// the record cyclic. Embedded text files are cut at the character limit
// with a note carrying the original byte length.
func OptimizeReadWad(wad *wadinfo.ReadWad) {
	wad.Meta.Meta.SHA1 = ""
	wad.Meta.Meta.SHA256 = nil
	wad.Meta.Analysis = nil
	for i := range wad.Maps {
		wad.Maps[i].Analysis = nil
		wad.Maps[i].Images = nil
	}
	for i := range wad.Meta.TextFiles {
		tf := &wad.Meta.TextFiles[i]
		if cut, ok := runeOffset(tf.Contents, textFileCharLimit); ok {
			tf.Contents = fmt.Sprintf(
				"%s\n\nFile was truncated due to length. Original size in bytes: %d",
				tf.Contents[:cut], len(tf.Contents))
		}
	}
}

// runeOffset returns the byte offset of the n-th rune, if s has more
// than n runes.
func runeOffset(s string, n int) (int, bool) {
	count := 0
	for i := range s {
		if count == n {
			return i, true
		}
		count++
	}
	return 0, false
}
