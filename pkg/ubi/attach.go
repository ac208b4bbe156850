// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ubi

import (
	"github.com/pkg/errors"
)

// Attach scans the device, derives its geometry and adopts the volume
// table. A zero vidHdrOffset or dataOffset is discovered from the first
// valid erase-counter header; when only vidHdrOffset is given the first
// header carrying that offset is used. Any state left by a previous
// Attach is discarded first.
func (c *Context) Attach(vidHdrOffset, dataOffset int) error {
	c.resetScanState()

	if err := c.scan(vidHdrOffset, dataOffset); err != nil {
		return errors.Wrap(err, "scan PEBs")
	}
	c.deriveGeometry()

	c.log.Debugf("geometry: vid header offset %d, data offset %d, LEB size %d, %d volume table slots",
		c.vidHdrOffset, c.dataOffset, c.lebSize, c.vtblSlots)

	if _, err := c.ReadVolume(c.vtblBuf, LayoutVolumeID, LayoutVolumeEBs-1, TablePad); err != nil {
		return errors.Wrap(err, "read layout volume")
	}

	for i := range c.layoutCopies {
		c.layoutCopies[i] = c.leb2peb[i].valid
		c.log.Debugf("layout volume: LEB %d -> PEB %d, valid %t",
			i, c.pebMin+c.leb2peb[i].peb, c.leb2peb[i].valid)
	}

	size := c.vtblSlots * VtblRecordSize
	switch {
	case c.layoutCopies[0]:
		c.vtbl = c.vtblBuf[:size]
	case c.layoutCopies[1]:
		c.vtbl = c.vtblBuf[c.lebSize : c.lebSize+size]
	default:
		return ErrLayoutVolumeUnrecoverable
	}

	c.state = stateAttached
	return nil
}
