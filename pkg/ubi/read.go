// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ubi

import (
	"github.com/pkg/errors"

	"github.com/dragonflyoss/lubi/pkg/crc"
)

// TablePad makes ReadVolume take the data pad from the volume table.
const TablePad = -1

const poisonByte = 0x5A

// ReadVolume reassembles logical blocks [0, maxLnum] of volume volID into
// dst, each at lnum times the usable LEB size, and returns the number of
// bytes reconstructed. Apart from the layout volume, volID must denote a
// static volume of the adopted table. pad overrides the data pad of the
// table record unless it is negative.
//
// When several PEBs claim the same logical block, one with a lower sqnum
// than the current occupant is skipped; otherwise it replaces the
// occupant if its payload validates, so on equal sqnum the later PEB in
// scan order wins. A block that does not fit in dst fails with
// ErrShortBuffer only once its payload validates.
func (c *Context) ReadVolume(dst []byte, volID, maxLnum, pad int) (int, error) {
	isLayout := volID == LayoutVolumeID

	var name string
	usable := c.lebSize
	if isLayout {
		if c.state < stateGeometryKnown {
			return 0, errors.Wrap(ErrNoValidGeometry, "device not scanned")
		}
		name = "layout volume"
	} else {
		rec, err := c.record(volID)
		if err != nil {
			return 0, err
		}
		if rec.VolType != VolumeStatic {
			return 0, errors.Wrapf(ErrVolumeNotFound, "volume %d is not static", volID)
		}
		dataPad := int(rec.DataPad)
		if pad >= 0 {
			dataPad = pad
		}
		usable -= dataPad
		if usable <= 0 {
			return 0, errors.Wrapf(ErrVolumeNotFound, "volume %d: data pad %d exceeds LEB size %d",
				volID, dataPad, c.lebSize)
		}
		name = rec.VolumeName()
	}

	if maxLnum >= len(c.leb2peb) {
		maxLnum = len(c.leb2peb) - 1
	}
	if maxLnum < 0 {
		maxLnum = 0
	}
	leb2peb := c.leb2peb[:maxLnum+1]
	clear(leb2peb)

	var total, found, usedEBs int
	for i := 0; i < c.pebCount; i++ {
		peb := &c.pebs[i]
		vid := &peb.vid
		if !peb.vidOK || vid.VolID != uint32(volID) {
			continue
		}

		pnum := c.pebMin + i
		if vid.Lnum > uint32(maxLnum) {
			continue
		}
		lnum := int(vid.Lnum)

		// Linux-UBI sizes the table by the LEB size when restoring the
		// layout volume, its data_size is not meaningful.
		length := int(vid.DataSize)
		if isLayout {
			length = c.vtblSlots * VtblRecordSize
		}
		if length > usable {
			c.log.Debugf("PEB %d: lnum %d data size %d exceeds usable LEB size %d", pnum, lnum, length, usable)
			continue
		}

		off := lnum * usable
		fits := off+length <= len(dst)

		l2p := &leb2peb[lnum]
		var prev *pebRecord
		if l2p.valid {
			prev = &c.pebs[l2p.peb]
			if vid.Sqnum < prev.vid.Sqnum {
				c.log.Debugf("PEB %d: stale copy of lnum %d (sqnum %d < %d)", pnum, lnum, vid.Sqnum, prev.vid.Sqnum)
				continue
			}
		}
		// A block that does not fit only matters once its payload validates.
		var rd []byte
		if prev == nil && fits {
			rd = dst[off : off+length]
		} else {
			rd = c.scratch[:length]
			poison := rd[length-length/8:]
			for j := range poison {
				poison[j] = poisonByte
			}
		}

		if err := c.read(rd, pnum, c.dataOffset); err != nil {
			return 0, err
		}

		var ok bool
		if isLayout {
			ok = c.validateTable(rd)
		} else {
			ok = crc.Checksum(rd) == vid.DataCRC
		}
		if !ok {
			c.log.Debugf("PEB %d: lnum %d payload crc mismatch", pnum, lnum)
			continue
		}
		if !fits {
			return 0, errors.Wrapf(ErrShortBuffer, "lnum %d needs %d bytes, have %d", lnum, off+length, len(dst))
		}

		copy(dst[off:], rd)
		if prev == nil {
			l2p.valid = true
			found++
		} else {
			prevLen := int(prev.vid.DataSize)
			if isLayout {
				prevLen = length
			}
			total -= prevLen
			c.log.Debugf("PEB %d supersedes PEB %d for lnum %d", pnum, c.pebMin+l2p.peb, lnum)
		}
		l2p.peb = i
		total += length
		usedEBs = int(vid.UsedEBs)
	}

	c.log.Debugf("volume %q: EBs used/ok %d/%d, read %d bytes", name, usedEBs, found, total)

	if isLayout {
		if found < 1 {
			return 0, ErrLayoutVolumeUnrecoverable
		}
		return total, nil
	}

	if found != usedEBs {
		return 0, errors.Wrapf(ErrVolumeIncomplete, "volume %d: %d of %d logical blocks", volID, found, usedEBs)
	}
	if usedEBs > 0 {
		last := leb2peb[usedEBs-1]
		if !last.valid {
			return 0, errors.Wrapf(ErrVolumeIncomplete, "volume %d: last logical block %d missing", volID, usedEBs-1)
		}
		want := usable*(usedEBs-1) + int(c.pebs[last.peb].vid.DataSize)
		if total != want {
			return 0, errors.Wrapf(ErrVolumeIncomplete, "volume %d: read %d bytes, expected %d", volID, total, want)
		}
	}
	return total, nil
}
