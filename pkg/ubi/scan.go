// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ubi

import (
	"math"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// validOffsets reports whether a VID header at vidHdrOffset and a data
// area at dataOffset fit in one PEB, leaving room for at least one
// volume-table record.
func (c *Context) validOffsets(vidHdrOffset, dataOffset int) bool {
	return vidHdrOffset >= ECHeaderSize &&
		vidHdrOffset+VIDHeaderSize <= dataOffset &&
		dataOffset+VtblRecordSize <= c.pebSize
}

// scanEC reads the erase-counter header of every PEB in range and fixes
// the VID-header and data offsets. Non-zero arguments override discovery,
// see Attach.
func (c *Context) scanEC(vidHdrOffset, dataOffset int) error {
	explicit := vidHdrOffset > 0 && dataOffset > 0
	if explicit {
		if !c.validOffsets(vidHdrOffset, dataOffset) {
			return errors.Wrapf(ErrNoValidGeometry, "invalid offsets: vid header %d, data %d",
				vidHdrOffset, dataOffset)
		}
		c.vidHdrOffset, c.dataOffset = vidHdrOffset, dataOffset
	}
	found := explicit

	var sum uint64
	c.stats.PEBs = c.pebCount
	c.stats.MinEC = math.MaxUint64
	for i := 0; i < c.pebCount; i++ {
		pnum := c.pebMin + i
		buf := c.hdrBuf[:ECHeaderSize]
		if err := c.read(buf, pnum, 0); err != nil {
			return err
		}

		h, err := DecodeECHeader(buf)
		switch {
		case err == nil:
			c.stats.ECMagic++
			c.stats.ECCRCOK++
		case errors.Is(err, errBadCRC):
			c.stats.ECMagic++
			c.log.Debugf("PEB %d: bad EC header crc", pnum)
			continue
		default:
			c.log.Debugf("PEB %d @ %#08x: no EC header, bad block?", pnum, pnum*c.pebSize)
			continue
		}

		rec := &c.pebs[i]
		rec.ec = h
		rec.ecOK = true
		sum += h.EC
		if h.EC < c.stats.MinEC {
			c.stats.MinEC = h.EC
		}
		if h.EC > c.stats.MaxEC {
			c.stats.MaxEC = h.EC
		}

		if found {
			continue
		}
		vh, do := int(h.VIDHdrOffset), int(h.DataOffset)
		if vidHdrOffset > 0 && vh != vidHdrOffset {
			continue
		}
		if dataOffset > 0 {
			do = dataOffset
		}
		if !c.validOffsets(vh, do) {
			c.log.Debugf("PEB %d: unusable offsets vid header %d, data %d", pnum, vh, do)
			continue
		}
		c.vidHdrOffset, c.dataOffset = vh, do
		found = true
	}

	if c.stats.ECCRCOK > 0 {
		c.stats.MeanEC = sum / uint64(c.stats.ECCRCOK)
	} else {
		c.stats.MinEC = 0
	}

	if !found {
		if vidHdrOffset > 0 {
			return errors.Wrapf(ErrNoValidGeometry, "no EC header with vid header offset %d", vidHdrOffset)
		}
		return ErrNoValidGeometry
	}
	return nil
}

// scanVID reads the VID header of every PEB in range. Blocks whose header
// does not decode are left unmapped.
func (c *Context) scanVID() error {
	for i := 0; i < c.pebCount; i++ {
		pnum := c.pebMin + i
		buf := c.hdrBuf[:VIDHeaderSize]
		if err := c.read(buf, pnum, c.vidHdrOffset); err != nil {
			return err
		}

		h, err := DecodeVIDHeader(buf)
		switch {
		case err == nil:
			c.stats.VIDMagic++
			c.stats.VIDCRCOK++
		case errors.Is(err, errBadCRC):
			c.stats.VIDMagic++
			c.log.Debugf("PEB %d: bad VID header crc", pnum)
			continue
		default:
			continue
		}

		rec := &c.pebs[i]
		rec.vid = h
		rec.vidOK = true

		if c.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			c.log.WithFields(logrus.Fields{
				"peb":    pnum,
				"vol_id": h.VolID,
				"lnum":   h.Lnum,
				"sqnum":  h.Sqnum,
				"ec":     rec.ec.EC,
			}).Debug("mapped PEB")
		}
	}
	return nil
}

// scan runs both sub-scans, the geometry is only committed once a usable
// EC header has been found.
func (c *Context) scan(vidHdrOffset, dataOffset int) error {
	err := c.scanEC(vidHdrOffset, dataOffset)
	if err == nil {
		err = c.scanVID()
	}
	if err != nil {
		c.vidHdrOffset, c.dataOffset = 0, 0
		return err
	}
	c.state = stateScanned

	s := c.stats
	c.log.Debugf("PEB counts (total %d): EC magic %d, EC crc ok %d, VID magic %d, VID crc ok %d",
		s.PEBs, s.ECMagic, s.ECCRCOK, s.VIDMagic, s.VIDCRCOK)
	c.log.Debugf("erase counters (min-mean-max): %d-%d-%d", s.MinEC, s.MeanEC, s.MaxEC)
	return nil
}

// deriveGeometry computes the LEB size and the volume-table capacity from
// the data offset.
func (c *Context) deriveGeometry() {
	c.lebSize = c.pebSize - c.dataOffset
	c.vtblSlots = c.lebSize / VtblRecordSize
	if c.vtblSlots > MaxVolumes {
		c.vtblSlots = MaxVolumes
	}
	c.state = stateGeometryKnown
}
