// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ubi

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/dragonflyoss/lubi/pkg/crc"
)

// On-flash format constants, all multi-byte fields are big-endian.
const (
	ECHeaderMagic  uint32 = 0x55424923 // "UBI#"
	VIDHeaderMagic uint32 = 0x55424921 // "UBI!"

	Version = 1

	ECHeaderSize   = 64
	VIDHeaderSize  = 64
	VtblRecordSize = 172

	ecHeaderSizeCRC   = ECHeaderSize - 4
	vidHeaderSizeCRC  = VIDHeaderSize - 4
	vtblRecordSizeCRC = VtblRecordSize - 4

	// LayoutVolumeID is the reserved id of the volume holding the volume table.
	LayoutVolumeID = 0x7FFFEFFF
	// LayoutVolumeEBs is the number of redundant copies of the volume table.
	LayoutVolumeEBs = 2

	MaxVolumes    = 128
	VolumeNameMax = 127
)

// VolumeType tells how the payload of a volume is laid out.
type VolumeType uint8

const (
	VolumeDynamic VolumeType = 1
	VolumeStatic  VolumeType = 2
)

func (t VolumeType) String() string {
	switch t {
	case VolumeDynamic:
		return "dynamic"
	case VolumeStatic:
		return "static"
	default:
		return "unknown"
	}
}

var (
	errBadMagic = errors.Wrap(ErrBadBlock, "bad magic")
	errBadCRC   = errors.Wrap(ErrBadBlock, "bad crc")
	errTooShort = errors.Wrap(ErrBadBlock, "truncated header")
)

// ECHeader is the erase-counter header found at offset 0 of every PEB.
type ECHeader struct {
	Version      uint8
	EC           uint64
	VIDHdrOffset uint32
	DataOffset   uint32
	ImageSeq     uint32
	HdrCRC       uint32
}

// DecodeECHeader decodes b and checks its magic and CRC.
func DecodeECHeader(b []byte) (ECHeader, error) {
	if len(b) < ECHeaderSize {
		return ECHeader{}, errTooShort
	}
	if binary.BigEndian.Uint32(b[0:4]) != ECHeaderMagic {
		return ECHeader{}, errBadMagic
	}
	h := ECHeader{
		Version:      b[4],
		EC:           binary.BigEndian.Uint64(b[8:16]),
		VIDHdrOffset: binary.BigEndian.Uint32(b[16:20]),
		DataOffset:   binary.BigEndian.Uint32(b[20:24]),
		ImageSeq:     binary.BigEndian.Uint32(b[24:28]),
		HdrCRC:       binary.BigEndian.Uint32(b[60:64]),
	}
	if crc.Checksum(b[:ecHeaderSizeCRC]) != h.HdrCRC {
		return h, errBadCRC
	}
	return h, nil
}

// Encode writes the header into b and sets HdrCRC.
func (h *ECHeader) Encode(b []byte) {
	b = b[:ECHeaderSize]
	clear(b)
	binary.BigEndian.PutUint32(b[0:4], ECHeaderMagic)
	b[4] = h.Version
	binary.BigEndian.PutUint64(b[8:16], h.EC)
	binary.BigEndian.PutUint32(b[16:20], h.VIDHdrOffset)
	binary.BigEndian.PutUint32(b[20:24], h.DataOffset)
	binary.BigEndian.PutUint32(b[24:28], h.ImageSeq)
	h.HdrCRC = crc.Checksum(b[:ecHeaderSizeCRC])
	binary.BigEndian.PutUint32(b[60:64], h.HdrCRC)
}

// VIDHeader is the volume identifier header written at the VID-header
// offset of every mapped PEB.
type VIDHeader struct {
	Version  uint8
	VolType  VolumeType
	CopyFlag uint8
	Compat   uint8
	VolID    uint32
	Lnum     uint32
	DataSize uint32
	UsedEBs  uint32
	DataPad  uint32
	DataCRC  uint32
	Sqnum    uint64
	HdrCRC   uint32
}

// DecodeVIDHeader decodes b and checks its magic and CRC.
func DecodeVIDHeader(b []byte) (VIDHeader, error) {
	if len(b) < VIDHeaderSize {
		return VIDHeader{}, errTooShort
	}
	if binary.BigEndian.Uint32(b[0:4]) != VIDHeaderMagic {
		return VIDHeader{}, errBadMagic
	}
	h := VIDHeader{
		Version:  b[4],
		VolType:  VolumeType(b[5]),
		CopyFlag: b[6],
		Compat:   b[7],
		VolID:    binary.BigEndian.Uint32(b[8:12]),
		Lnum:     binary.BigEndian.Uint32(b[12:16]),
		DataSize: binary.BigEndian.Uint32(b[20:24]),
		UsedEBs:  binary.BigEndian.Uint32(b[24:28]),
		DataPad:  binary.BigEndian.Uint32(b[28:32]),
		DataCRC:  binary.BigEndian.Uint32(b[32:36]),
		Sqnum:    binary.BigEndian.Uint64(b[40:48]),
		HdrCRC:   binary.BigEndian.Uint32(b[60:64]),
	}
	if crc.Checksum(b[:vidHeaderSizeCRC]) != h.HdrCRC {
		return h, errBadCRC
	}
	return h, nil
}

// Encode writes the header into b and sets HdrCRC.
func (h *VIDHeader) Encode(b []byte) {
	b = b[:VIDHeaderSize]
	clear(b)
	binary.BigEndian.PutUint32(b[0:4], VIDHeaderMagic)
	b[4] = h.Version
	b[5] = uint8(h.VolType)
	b[6] = h.CopyFlag
	b[7] = h.Compat
	binary.BigEndian.PutUint32(b[8:12], h.VolID)
	binary.BigEndian.PutUint32(b[12:16], h.Lnum)
	binary.BigEndian.PutUint32(b[20:24], h.DataSize)
	binary.BigEndian.PutUint32(b[24:28], h.UsedEBs)
	binary.BigEndian.PutUint32(b[28:32], h.DataPad)
	binary.BigEndian.PutUint32(b[32:36], h.DataCRC)
	binary.BigEndian.PutUint64(b[40:48], h.Sqnum)
	h.HdrCRC = crc.Checksum(b[:vidHeaderSizeCRC])
	binary.BigEndian.PutUint32(b[60:64], h.HdrCRC)
}

// VtblRecord is one slot of the volume table.
type VtblRecord struct {
	ReservedPEBs uint32
	Alignment    uint32
	DataPad      uint32
	VolType      VolumeType
	UpdMarker    uint8
	NameLen      uint16
	Name         [VolumeNameMax + 1]byte
	Flags        uint8
	CRC          uint32
}

// DecodeVtblRecord decodes one volume-table record and checks its CRC.
func DecodeVtblRecord(b []byte) (VtblRecord, error) {
	if len(b) < VtblRecordSize {
		return VtblRecord{}, errTooShort
	}
	r := VtblRecord{
		ReservedPEBs: binary.BigEndian.Uint32(b[0:4]),
		Alignment:    binary.BigEndian.Uint32(b[4:8]),
		DataPad:      binary.BigEndian.Uint32(b[8:12]),
		VolType:      VolumeType(b[12]),
		UpdMarker:    b[13],
		NameLen:      binary.BigEndian.Uint16(b[14:16]),
		Flags:        b[144],
		CRC:          binary.BigEndian.Uint32(b[168:172]),
	}
	copy(r.Name[:], b[16:144])
	if !vtblRecordCRCOK(b) {
		return r, errBadCRC
	}
	return r, nil
}

func vtblRecordCRCOK(b []byte) bool {
	return crc.Checksum(b[:vtblRecordSizeCRC]) == binary.BigEndian.Uint32(b[vtblRecordSizeCRC:VtblRecordSize])
}

// Encode writes the record into b and sets CRC.
func (r *VtblRecord) Encode(b []byte) {
	b = b[:VtblRecordSize]
	clear(b)
	binary.BigEndian.PutUint32(b[0:4], r.ReservedPEBs)
	binary.BigEndian.PutUint32(b[4:8], r.Alignment)
	binary.BigEndian.PutUint32(b[8:12], r.DataPad)
	b[12] = uint8(r.VolType)
	b[13] = r.UpdMarker
	binary.BigEndian.PutUint16(b[14:16], r.NameLen)
	copy(b[16:144], r.Name[:])
	b[144] = r.Flags
	r.CRC = crc.Checksum(b[:vtblRecordSizeCRC])
	binary.BigEndian.PutUint32(b[168:172], r.CRC)
}

// SetName stores name and its length, truncated to VolumeNameMax.
func (r *VtblRecord) SetName(name string) {
	if len(name) > VolumeNameMax {
		name = name[:VolumeNameMax]
	}
	r.Name = [VolumeNameMax + 1]byte{}
	copy(r.Name[:], name)
	r.NameLen = uint16(len(name))
}

// VolumeName returns the name bytes covered by NameLen, stopping at the
// first NUL.
func (r *VtblRecord) VolumeName() string {
	n := int(r.NameLen)
	if n > VolumeNameMax {
		n = VolumeNameMax
	}
	name := r.Name[:n]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}
