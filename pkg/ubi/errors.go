// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ubi

import "github.com/pkg/errors"

var (
	ErrGeometryExceeded          = errors.New("flash geometry exceeds configured limits")
	ErrNoValidGeometry           = errors.New("no usable erase counter header")
	ErrLayoutVolumeUnrecoverable = errors.New("layout volume unrecoverable")
	ErrVolumeNotFound            = errors.New("volume not found")
	ErrVolumeIncomplete          = errors.New("volume incomplete")
	// ErrBadBlock is only returned by the header decoders, the scanner
	// excludes such blocks silently.
	ErrBadBlock    = errors.New("bad block")
	ErrShortBuffer = errors.New("destination buffer too small")
	ErrFlashRead   = errors.New("flash read failed")
)

var errNoTable = errors.Wrap(ErrVolumeNotFound, "volume table not adopted")
