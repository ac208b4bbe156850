// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ubi

import (
	"iter"

	"github.com/pkg/errors"
)

// VolumeInfo describes one used slot of the volume table, ID is the slot
// index and the volume id.
type VolumeInfo struct {
	ID           int
	Name         string
	Type         VolumeType
	UpdMarker    uint8
	ReservedPEBs int
	Alignment    int
	DataPad      int
	Flags        uint8
}

func newVolumeInfo(id int, rec *VtblRecord) VolumeInfo {
	return VolumeInfo{
		ID:           id,
		Name:         rec.VolumeName(),
		Type:         rec.VolType,
		UpdMarker:    rec.UpdMarker,
		ReservedPEBs: int(rec.ReservedPEBs),
		Alignment:    int(rec.Alignment),
		DataPad:      int(rec.DataPad),
		Flags:        rec.Flags,
	}
}

// validateTable checks the CRC of every slot of one layout volume copy.
func (c *Context) validateTable(table []byte) bool {
	if len(table) < c.vtblSlots*VtblRecordSize {
		return false
	}
	for i := 0; i < c.vtblSlots; i++ {
		if !vtblRecordCRCOK(table[i*VtblRecordSize:]) {
			return false
		}
	}
	return true
}

func (c *Context) slot(i int) []byte {
	return c.vtbl[i*VtblRecordSize : (i+1)*VtblRecordSize]
}

// record decodes slot id of the adopted table.
func (c *Context) record(id int) (*VtblRecord, error) {
	if c.vtbl == nil {
		return nil, errNoTable
	}
	if id < 0 || id >= c.vtblSlots {
		return nil, errors.Wrapf(ErrVolumeNotFound, "volume id %d out of range", id)
	}
	rec, err := DecodeVtblRecord(c.slot(id))
	if err != nil {
		return nil, errors.Wrapf(ErrVolumeNotFound, "volume id %d: %s", id, err)
	}
	return &rec, nil
}

// ListVolumes returns the used slots of the adopted table. The sequence
// decodes the table each time it is iterated.
func (c *Context) ListVolumes() (iter.Seq[VolumeInfo], error) {
	if c.vtbl == nil {
		return nil, errNoTable
	}
	vtbl, slots := c.vtbl, c.vtblSlots
	return func(yield func(VolumeInfo) bool) {
		for i := 0; i < slots; i++ {
			rec, err := DecodeVtblRecord(vtbl[i*VtblRecordSize:])
			if err != nil || rec.NameLen == 0 {
				continue
			}
			if !yield(newVolumeInfo(i, &rec)) {
				return
			}
		}
	}, nil
}

// Volume returns the used slot id.
func (c *Context) Volume(id int) (VolumeInfo, error) {
	rec, err := c.record(id)
	if err != nil {
		return VolumeInfo{}, err
	}
	if rec.NameLen == 0 {
		return VolumeInfo{}, errors.Wrapf(ErrVolumeNotFound, "volume id %d unused", id)
	}
	return newVolumeInfo(id, rec), nil
}

// GetVolumeID looks name up in the adopted table, the match is exact and
// case-sensitive. It returns the volume id and its update marker.
func (c *Context) GetVolumeID(name string) (int, uint8, error) {
	if c.vtbl == nil {
		return -1, 0, errNoTable
	}
	if len(name) == 0 || len(name) > VolumeNameMax {
		return -1, 0, errors.Wrapf(ErrVolumeNotFound, "invalid volume name %q", name)
	}

	for i := 0; i < c.vtblSlots; i++ {
		rec, err := DecodeVtblRecord(c.slot(i))
		if err != nil {
			c.log.Debugf("bad volume table record %d", i)
			continue
		}
		if int(rec.NameLen) == len(name) && string(rec.Name[:len(name)]) == name {
			return i, rec.UpdMarker, nil
		}
	}
	return -1, 0, errors.Wrapf(ErrVolumeNotFound, "volume %q", name)
}
