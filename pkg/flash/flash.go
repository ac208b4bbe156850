// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package flash serves erase-block reads from a raw flash dump, either
// mapped from a file or held in memory.
package flash

import (
	"os"

	"github.com/pkg/errors"
)

// Image is a raw dump split into erase blocks of PEBSize bytes, a partial
// trailing block is not addressable.
type Image struct {
	data    []byte
	pebSize int
	unmap   func([]byte) error
}

// NewMemory wraps data without copying it.
func NewMemory(data []byte, pebSize int) *Image {
	return &Image{
		data:    data,
		pebSize: pebSize,
	}
}

// Open maps the file at path read-only.
func Open(path string, pebSize int) (*Image, error) {
	if pebSize <= 0 {
		return nil, errors.Errorf("invalid PEB size %d", pebSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat image")
	}
	size := info.Size()
	if size < int64(pebSize) {
		return nil, errors.Errorf("image %s (%d bytes) is smaller than one PEB (%d bytes)", path, size, pebSize)
	}
	if int64(int(size)) != size {
		return nil, errors.Errorf("image %s too large", path)
	}

	data, unmap, err := mapFile(file, int(size))
	if err != nil {
		return nil, errors.Wrapf(err, "map image %s", path)
	}

	return &Image{
		data:    data,
		pebSize: pebSize,
		unmap:   unmap,
	}, nil
}

func (img *Image) PEBSize() int {
	return img.pebSize
}

// PEBCount returns the number of whole erase blocks in the image.
func (img *Image) PEBCount() int {
	if img.pebSize <= 0 {
		return 0
	}
	return len(img.data) / img.pebSize
}

// ReadBlock copies len(dst) bytes at offset of erase block pnum.
func (img *Image) ReadBlock(dst []byte, pnum, offset int) (int, error) {
	if img.pebSize <= 0 {
		return 0, errors.Errorf("invalid PEB size %d", img.pebSize)
	}
	if pnum < 0 || pnum >= img.PEBCount() {
		return 0, errors.Errorf("PEB %d out of range [0, %d)", pnum, img.PEBCount())
	}
	if offset < 0 || offset+len(dst) > img.pebSize {
		return 0, errors.Errorf("range [%d, %d) outside PEB of %d bytes", offset, offset+len(dst), img.pebSize)
	}
	start := pnum*img.pebSize + offset
	return copy(dst, img.data[start:start+len(dst)]), nil
}

// Close releases the mapping, the Image must not be used afterwards.
func (img *Image) Close() error {
	data := img.data
	img.data = nil
	if img.unmap == nil || data == nil {
		return nil
	}
	return errors.Wrap(img.unmap(data), "unmap image")
}
