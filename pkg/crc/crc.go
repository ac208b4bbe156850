// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package crc implements the CRC-32 flavour used by UBI on-flash
// structures: reflected polynomial 0xEDB88320, seeded with 0xFFFFFFFF and
// without the final inversion applied by hash/crc32.
package crc

import "hash/crc32"

const (
	// Poly is the reversed representation of the CRC-32 polynomial.
	Poly uint32 = 0xEDB88320
	// Init is the seed every UBI checksum starts from.
	Init uint32 = 0xFFFFFFFF
)

var ieeeTable = crc32.MakeTable(crc32.IEEE)

// Checksum returns the UBI CRC-32 of p.
//
// crc32.ChecksumIEEE inverts the register on entry and exit, so seeding
// it with zero and inverting the result yields the non-inverted variant
// while keeping the accelerated implementation.
func Checksum(p []byte) uint32 {
	return ^crc32.ChecksumIEEE(p)
}

// MakeTable builds the lookup table for poly.
func MakeTable(poly uint32) *crc32.Table {
	return crc32.MakeTable(poly)
}

// Update runs the table-driven register over p, without any inversion.
func Update(crc uint32, tab *crc32.Table, p []byte) uint32 {
	for _, v := range p {
		crc = tab[byte(crc)^v] ^ (crc >> 8)
	}
	return crc
}

// UpdateBitwise is the bit-serial equivalent of Update.
func UpdateBitwise(crc uint32, poly uint32, p []byte) uint32 {
	for _, v := range p {
		crc ^= uint32(v)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// ChecksumTable is Checksum computed through Update with the IEEE table.
func ChecksumTable(p []byte) uint32 {
	return Update(Init, ieeeTable, p)
}
