// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package flash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i / 16)
	}
	return data
}

func TestMemoryReadBlock(t *testing.T) {
	img := NewMemory(pattern(4*256), 256)
	require.Equal(t, 4, img.PEBCount())
	require.Equal(t, 256, img.PEBSize())

	buf := make([]byte, 16)
	n, err := img.ReadBlock(buf, 2, 32)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.Equal(t, byte((2*256+32)/16), buf[0])

	tests := []struct {
		name   string
		pnum   int
		offset int
		size   int
	}{
		{"negative PEB", -1, 0, 1},
		{"PEB past end", 4, 0, 1},
		{"negative offset", 0, -1, 1},
		{"crosses PEB boundary", 1, 250, 16},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := img.ReadBlock(make([]byte, test.size), test.pnum, test.offset)
			require.Error(t, err)
		})
	}
}

func TestMemoryPartialTail(t *testing.T) {
	img := NewMemory(pattern(3*100+42), 100)
	require.Equal(t, 3, img.PEBCount())
	_, err := img.ReadBlock(make([]byte, 1), 3, 0)
	require.Error(t, err)
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.img")
	data := pattern(8 * 512)
	require.NoError(t, os.WriteFile(path, data, 0644))

	img, err := Open(path, 512)
	require.NoError(t, err)
	require.Equal(t, 8, img.PEBCount())

	buf := make([]byte, 512)
	n, err := img.ReadBlock(buf, 7, 0)
	require.NoError(t, err)
	require.Equal(t, 512, n)
	require.Equal(t, data[7*512:], buf)

	require.NoError(t, img.Close())
	require.NoError(t, img.Close())
}

func TestOpenFailure(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.img"), 512)
	require.Error(t, err)

	small := filepath.Join(dir, "small.img")
	require.NoError(t, os.WriteFile(small, make([]byte, 100), 0644))
	_, err = Open(small, 512)
	require.Error(t, err)
	require.Contains(t, err.Error(), "smaller than one PEB")

	_, err = Open(small, 0)
	require.Error(t, err)
}
