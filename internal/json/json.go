// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package json provides internal JSON utilities.
//
// Decoding goes through segmentio/encoding/json rather than the standard
// library: it's a drop-in, faster replacement for the subset of
// encoding/json's API this package relies on, and every message on the
// wire passes through Unmarshal at least once per hop. Unmarshal matches
// JSON keys to struct fields case-sensitively.
package json

import segjson "github.com/segmentio/encoding/json"

func Unmarshal(data []byte, v any) error {
	_, err := segjson.Parse(data, v, segjson.DontMatchCaseInsensitiveStructFields)
	return err
}

func Marshal(v any) ([]byte, error) {
	return segjson.Marshal(v)
}
