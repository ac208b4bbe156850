// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package ubitest builds synthetic UBI images for tests.
package ubitest

import (
	"bytes"
	"os"

	"github.com/dragonflyoss/lubi/pkg/crc"
	"github.com/dragonflyoss/lubi/pkg/flash"
	"github.com/dragonflyoss/lubi/pkg/ubi"
)

// Options describes the image geometry, zero offsets default to a NOR
// style layout with the VID header at 64 and data at 128.
type Options struct {
	PEBSize      int
	PEBCount     int
	VIDHdrOffset int
	DataOffset   int
	EC           uint64
	ImageSeq     uint32
}

// Image is an in-memory UBI image. PEBs are handed out in physical order
// by AllocPEB.
type Image struct {
	opt   Options
	data  []byte
	next  int
	sqnum uint64
	table [ubi.MaxVolumes]ubi.VtblRecord
}

// New returns an image whose PEBs all carry a valid erase-counter header
// and are otherwise erased.
func New(opt Options) *Image {
	if opt.VIDHdrOffset == 0 {
		opt.VIDHdrOffset = 64
	}
	if opt.DataOffset == 0 {
		opt.DataOffset = 128
	}
	img := &Image{
		opt:  opt,
		data: bytes.Repeat([]byte{0xFF}, opt.PEBSize*opt.PEBCount),
	}
	for i := 0; i < opt.PEBCount; i++ {
		img.WriteEC(i, img.ECHeader(opt.EC+uint64(i%3)))
	}
	return img
}

func (img *Image) Options() Options {
	return img.opt
}

func (img *Image) LEBSize() int {
	return img.opt.PEBSize - img.opt.DataOffset
}

// VtblSlots returns the volume-table capacity for this geometry.
func (img *Image) VtblSlots() int {
	slots := img.LEBSize() / ubi.VtblRecordSize
	if slots > ubi.MaxVolumes {
		slots = ubi.MaxVolumes
	}
	return slots
}

func (img *Image) Bytes() []byte {
	return img.data
}

// Reader serves block reads straight from the image bytes, later writes
// are visible through it.
func (img *Image) Reader() *flash.Image {
	return flash.NewMemory(img.data, img.opt.PEBSize)
}

// WriteFile dumps the image to path.
func (img *Image) WriteFile(path string) error {
	return os.WriteFile(path, img.data, 0644)
}

func (img *Image) peb(pnum int) []byte {
	return img.data[pnum*img.opt.PEBSize : (pnum+1)*img.opt.PEBSize]
}

// AllocPEB returns the next unused PEB.
func (img *Image) AllocPEB() int {
	if img.next >= img.opt.PEBCount {
		panic("ubitest: image full")
	}
	img.next++
	return img.next - 1
}

// NextSqnum returns a fresh, increasing sequence number.
func (img *Image) NextSqnum() uint64 {
	img.sqnum++
	return img.sqnum
}

func (img *Image) ECHeader(ec uint64) ubi.ECHeader {
	return ubi.ECHeader{
		Version:      ubi.Version,
		EC:           ec,
		VIDHdrOffset: uint32(img.opt.VIDHdrOffset),
		DataOffset:   uint32(img.opt.DataOffset),
		ImageSeq:     img.opt.ImageSeq,
	}
}

func (img *Image) WriteEC(pnum int, h ubi.ECHeader) {
	h.Encode(img.peb(pnum))
}

func (img *Image) WriteVID(pnum int, h ubi.VIDHeader) {
	h.Encode(img.peb(pnum)[img.opt.VIDHdrOffset:])
}

func (img *Image) WriteData(pnum int, data []byte) {
	copy(img.peb(pnum)[img.opt.DataOffset:], data)
}

// Erase fills a PEB with 0xFF, as after an interrupted erase cycle.
func (img *Image) Erase(pnum int) {
	copy(img.peb(pnum), bytes.Repeat([]byte{0xFF}, img.opt.PEBSize))
}

// Corrupt flips every bit of one byte at offset inside PEB pnum.
func (img *Image) Corrupt(pnum, offset int) {
	img.peb(pnum)[offset] ^= 0xFF
}

// CorruptVID corrupts the VID header of pnum.
func (img *Image) CorruptVID(pnum int) {
	img.Corrupt(pnum, img.opt.VIDHdrOffset+9)
}

// CorruptData corrupts the first payload byte of pnum.
func (img *Image) CorruptData(pnum int) {
	img.Corrupt(pnum, img.opt.DataOffset)
}

// StaticVID returns the VID header of one LEB of a static volume carrying
// data, with a fresh sqnum.
func (img *Image) StaticVID(volID, lnum, usedEBs, dataPad int, data []byte) ubi.VIDHeader {
	return ubi.VIDHeader{
		Version:  ubi.Version,
		VolType:  ubi.VolumeStatic,
		VolID:    uint32(volID),
		Lnum:     uint32(lnum),
		DataSize: uint32(len(data)),
		UsedEBs:  uint32(usedEBs),
		DataPad:  uint32(dataPad),
		DataCRC:  crc.Checksum(data),
		Sqnum:    img.NextSqnum(),
	}
}

// WriteLEB writes a VID header and its payload into pnum.
func (img *Image) WriteLEB(pnum int, vid ubi.VIDHeader, data []byte) {
	img.WriteVID(pnum, vid)
	img.WriteData(pnum, data)
}

// SetVolume stores rec in slot id of the volume table, it reaches the
// flash with the next WriteLayout.
func (img *Image) SetVolume(id int, rec ubi.VtblRecord) {
	img.table[id] = rec
}

// Table returns one encoded copy of the volume table.
func (img *Image) Table() []byte {
	buf := make([]byte, img.VtblSlots()*ubi.VtblRecordSize)
	for i := 0; i < img.VtblSlots(); i++ {
		rec := img.table[i]
		rec.Encode(buf[i*ubi.VtblRecordSize:])
	}
	return buf
}

// WriteLayout writes copy lnum of the layout volume into pnum.
func (img *Image) WriteLayout(pnum, lnum int) {
	img.WriteLEB(pnum, ubi.VIDHeader{
		Version: ubi.Version,
		VolType: ubi.VolumeDynamic,
		Compat:  5,
		VolID:   ubi.LayoutVolumeID,
		Lnum:    uint32(lnum),
		Sqnum:   img.NextSqnum(),
	}, img.Table())
}

// AddLayout writes both layout volume copies into fresh PEBs and returns
// them. The table is captured as it is at the time of the call.
func (img *Image) AddLayout() [ubi.LayoutVolumeEBs]int {
	var pebs [ubi.LayoutVolumeEBs]int
	for lnum := range pebs {
		pebs[lnum] = img.AllocPEB()
		img.WriteLayout(pebs[lnum], lnum)
	}
	return pebs
}

// AddStaticVolume records a static volume in slot id and writes data over
// fresh PEBs, one per usable LEB. It returns the PEB of every LEB.
func (img *Image) AddStaticVolume(id int, name string, data []byte, dataPad int) []int {
	usable := img.LEBSize() - dataPad
	usedEBs := (len(data) + usable - 1) / usable

	rec := ubi.VtblRecord{
		ReservedPEBs: uint32(usedEBs),
		Alignment:    1,
		DataPad:      uint32(dataPad),
		VolType:      ubi.VolumeStatic,
	}
	rec.SetName(name)
	img.SetVolume(id, rec)

	pebs := make([]int, 0, usedEBs)
	for lnum := 0; lnum < usedEBs; lnum++ {
		chunk := data[lnum*usable:]
		if len(chunk) > usable {
			chunk = chunk[:usable]
		}
		pnum := img.AllocPEB()
		img.WriteLEB(pnum, img.StaticVID(id, lnum, usedEBs, dataPad, chunk), chunk)
		pebs = append(pebs, pnum)
	}
	return pebs
}

// AddDynamicVolume records a dynamic volume in slot id without writing
// any LEB.
func (img *Image) AddDynamicVolume(id int, name string, reservedPEBs int) {
	rec := ubi.VtblRecord{
		ReservedPEBs: uint32(reservedPEBs),
		Alignment:    1,
		VolType:      ubi.VolumeDynamic,
	}
	rec.SetName(name)
	img.SetVolume(id, rec)
}

// Payload returns size bytes of deterministic, non-repeating content.
func Payload(seed byte, size int) []byte {
	data := make([]byte, size)
	x := uint32(seed) + 1
	for i := range data {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		data[i] = byte(x)
	}
	return data
}
