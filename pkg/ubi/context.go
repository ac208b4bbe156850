// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package ubi attaches to a raw UBI device read-only and extracts static
// volumes from it. All memory is allocated by New; Attach and ReadVolume
// only reuse it, so a Context must not be shared by concurrent callers.
package ubi

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxPEBs    = 128
	DefaultMaxPEBSize = 128 << 10
)

// BlockReader reads length(dst) bytes at offset inside physical erase
// block pnum. A short read is reported as a failure.
type BlockReader interface {
	ReadBlock(dst []byte, pnum, offset int) (int, error)
}

// Config describes the device a Context attaches to.
type Config struct {
	Reader   BlockReader
	PEBSize  int
	PEBMin   int
	PEBCount int

	// MaxPEBs and MaxPEBSize bound every buffer owned by the Context,
	// zero selects DefaultMaxPEBs and DefaultMaxPEBSize.
	MaxPEBs    int
	MaxPEBSize int

	Logger *logrus.Entry
}

// Geometry holds the device parameters, the derived ones are only
// meaningful after a successful Attach.
type Geometry struct {
	PEBSize  int
	PEBMin   int
	PEBCount int

	VIDHdrOffset int
	DataOffset   int
	LEBSize      int
	VtblSlots    int
}

// ScanStats is the diagnostic summary of the last scan.
type ScanStats struct {
	PEBs     int
	ECMagic  int
	ECCRCOK  int
	VIDMagic int
	VIDCRCOK int

	MinEC  uint64
	MeanEC uint64
	MaxEC  uint64
}

type pebRecord struct {
	ec    ECHeader
	vid   VIDHeader
	ecOK  bool
	vidOK bool
}

type lebMapping struct {
	valid bool
	peb   int
}

type state int

const (
	stateUninitialized state = iota
	stateScanned
	stateGeometryKnown
	stateAttached
)

// Context is the attach state of one device.
type Context struct {
	reader   BlockReader
	log      *logrus.Entry
	pebSize  int
	pebMin   int
	pebCount int

	// Everything below is rebuilt by Attach, see resetScanState.
	state        state
	vidHdrOffset int
	dataOffset   int
	lebSize      int
	vtblSlots    int
	stats        ScanStats
	layoutCopies [LayoutVolumeEBs]bool
	// vtbl aliases the adopted copy inside vtblBuf.
	vtbl []byte

	pebs    []pebRecord
	leb2peb []lebMapping
	scratch []byte
	vtblBuf []byte
	hdrBuf  [VIDHeaderSize]byte
}

// MemSize returns the number of bytes a Context allocates for the given
// limits.
func MemSize(maxPEBs, maxPEBSize int) int {
	if maxPEBs <= 0 {
		maxPEBs = DefaultMaxPEBs
	}
	if maxPEBSize <= 0 {
		maxPEBSize = DefaultMaxPEBSize
	}
	return int(unsafe.Sizeof(Context{})) +
		maxPEBs*int(unsafe.Sizeof(pebRecord{})) +
		maxPEBs*int(unsafe.Sizeof(lebMapping{})) +
		maxPEBSize + // scratch LEB
		2*maxPEBSize // both layout volume copies
}

// New validates cfg against its limits and allocates the Context.
func New(cfg Config) (*Context, error) {
	if cfg.Reader == nil {
		return nil, errors.New("missing block reader")
	}
	if cfg.MaxPEBs <= 0 {
		cfg.MaxPEBs = DefaultMaxPEBs
	}
	if cfg.MaxPEBSize <= 0 {
		cfg.MaxPEBSize = DefaultMaxPEBSize
	}
	if cfg.PEBSize <= 0 || cfg.PEBCount <= 0 || cfg.PEBMin < 0 {
		return nil, errors.Errorf("invalid geometry: peb size %d, peb min %d, peb count %d",
			cfg.PEBSize, cfg.PEBMin, cfg.PEBCount)
	}
	if cfg.PEBCount > cfg.MaxPEBs {
		return nil, errors.Wrapf(ErrGeometryExceeded, "peb count %d > %d", cfg.PEBCount, cfg.MaxPEBs)
	}
	if cfg.PEBSize > cfg.MaxPEBSize {
		return nil, errors.Wrapf(ErrGeometryExceeded, "peb size %d > %d", cfg.PEBSize, cfg.MaxPEBSize)
	}
	switch {
	case cfg.Logger == nil:
		cfg.Logger = logrus.WithField("component", "ubi")
	case cfg.Logger.Logger == nil:
		cfg.Logger = logrus.WithFields(cfg.Logger.Data)
	}

	c := &Context{
		reader:   cfg.Reader,
		log:      cfg.Logger,
		pebSize:  cfg.PEBSize,
		pebMin:   cfg.PEBMin,
		pebCount: cfg.PEBCount,
		pebs:     make([]pebRecord, cfg.MaxPEBs),
		leb2peb:  make([]lebMapping, cfg.MaxPEBs),
		scratch:  make([]byte, cfg.MaxPEBSize),
		vtblBuf:  make([]byte, 2*cfg.MaxPEBSize),
	}
	return c, nil
}

// resetScanState clears everything a previous Attach derived.
func (c *Context) resetScanState() {
	c.state = stateUninitialized
	c.vidHdrOffset = 0
	c.dataOffset = 0
	c.lebSize = 0
	c.vtblSlots = 0
	c.stats = ScanStats{}
	c.layoutCopies = [LayoutVolumeEBs]bool{}
	c.vtbl = nil
	clear(c.pebs)
	clear(c.leb2peb)
}

// MaxLnum bounds maxLnum to the logical blocks a volume can span on
// this device, one per PEB.
func (g Geometry) MaxLnum(maxLnum int) int {
	if maxLnum >= g.PEBCount {
		maxLnum = g.PEBCount - 1
	}
	return max(maxLnum, 0)
}

// Geometry returns the device and derived parameters.
func (c *Context) Geometry() Geometry {
	return Geometry{
		PEBSize:      c.pebSize,
		PEBMin:       c.pebMin,
		PEBCount:     c.pebCount,
		VIDHdrOffset: c.vidHdrOffset,
		DataOffset:   c.dataOffset,
		LEBSize:      c.lebSize,
		VtblSlots:    c.vtblSlots,
	}
}

func (c *Context) Stats() ScanStats {
	return c.stats
}

// LayoutCopies reports which copies of the layout volume validated
// during the last Attach.
func (c *Context) LayoutCopies() [LayoutVolumeEBs]bool {
	return c.layoutCopies
}

// Attached reports whether a volume table has been adopted.
func (c *Context) Attached() bool {
	return c.state == stateAttached
}

func (c *Context) read(dst []byte, pnum, offset int) error {
	n, err := c.reader.ReadBlock(dst, pnum, offset)
	if err != nil {
		return errors.Wrapf(ErrFlashRead, "PEB %d offset %d: %v", pnum, offset, err)
	}
	if n != len(dst) {
		return errors.Wrapf(ErrFlashRead, "PEB %d offset %d: read %d of %d bytes", pnum, offset, n, len(dst))
	}
	return nil
}
