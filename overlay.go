// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

// The overlay is everything trailing the last section's raw data (and the
// headers). It is preserved verbatim across a rewrite; installers and
// signed binaries stash data there.

// HasOverlay reports whether the file carries trailing overlay data.
func (pe *File) HasOverlay() bool {
	return len(pe.Overlay) > 0
}

// OverlayLength returns the overlay size in bytes.
func (pe *File) OverlayLength() uint64 {
	return uint64(len(pe.Overlay))
}

// SetOverlay replaces the overlay bytes.
func (pe *File) SetOverlay(data []byte) {
	pe.Overlay = make([]byte, len(data))
	copy(pe.Overlay, data)
}
