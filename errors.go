// Copyright 2022 Pemutate. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "errors"

// Errors returned by the codec.
var (
	// ErrNotPE is returned when the MZ or the PE signature is missing.
	ErrNotPE = errors.New("not a PE file")

	// ErrTruncated is returned when a structure extends past the end of
	// the input buffer.
	ErrTruncated = errors.New("truncated input")

	// ErrUnknownMagic is returned when the optional header magic is
	// neither PE32 nor PE32+.
	ErrUnknownMagic = errors.New("unknown optional header magic")

	// ErrRvaOutOfRange is returned when an RVA does not resolve inside
	// the section that is supposed to contain it.
	ErrRvaOutOfRange = errors.New("RVA out of range")

	// ErrSectionOutOfRange is returned when section raw data lies outside
	// the input, or when section sizes wrap around.
	ErrSectionOutOfRange = errors.New("section data outside of file")

	// ErrSectionIndexOutOfRange is returned when a section index does not
	// name a section.
	ErrSectionIndexOutOfRange = errors.New("section index out of range")

	// ErrSectionNameInvalid is returned when a section name is empty or
	// longer than 8 bytes.
	ErrSectionNameInvalid = errors.New("invalid section name")

	// ErrSectionSizeOverflow is returned when a section mutation would
	// grow contents beyond 32 bits.
	ErrSectionSizeOverflow = errors.New("section size out of range")

	// ErrResourceOverflow is returned when a resource tree offset does
	// not fit in 32 bits on serialize.
	ErrResourceOverflow = errors.New("resource offset out of range")

	// ErrResourceTooDeep is returned when a resource directory nests
	// beyond the language level.
	ErrResourceTooDeep = errors.New("resource directory nested too deep")

	// ErrTranscodeFailed is returned when a UTF-16 string cannot be
	// converted.
	ErrTranscodeFailed = errors.New("string conversion failed")

	// ErrBufferTooSmall is returned by WriteToBuffer when the supplied
	// buffer cannot hold the serialized image.
	ErrBufferTooSmall = errors.New("target buffer too small")

	// ErrResourceNotFound is returned by resource lookups that match
	// nothing.
	ErrResourceNotFound = errors.New("resource not found")
)
