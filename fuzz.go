// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

// Fuzz is the go-fuzz entry point. It exercises the full load pipeline
// and, when the input parses, the recalculation and write paths too.
func Fuzz(data []byte) int {
	f, err := NewBytes(data, &Options{})
	if err != nil {
		return 0
	}
	if err := f.Parse(); err != nil {
		return 0
	}
	if _, err := f.Bytes(); err != nil {
		return 0
	}
	return 1
}
