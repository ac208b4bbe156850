// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package checker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/lubi/pkg/device"
	"github.com/dragonflyoss/lubi/pkg/ubi"
	"github.com/dragonflyoss/lubi/pkg/ubi/ubitest"
)

const pebSize = 16 << 10

type image struct {
	*ubitest.Image
	layout [2]int
	rootfs []int
}

func newImage() *image {
	img := &image{Image: ubitest.New(ubitest.Options{PEBSize: pebSize, PEBCount: 24})}
	img.AddStaticVolume(0, "kernel", ubitest.Payload(1, 30000), 0)
	img.rootfs = img.AddStaticVolume(1, "rootfs", ubitest.Payload(2, 50000), 0)
	img.AddDynamicVolume(2, "data", 4)
	img.layout = img.AddLayout()
	return img
}

func check(t *testing.T, img *image, strict bool) error {
	path := filepath.Join(t.TempDir(), "ubi.img")
	require.NoError(t, img.WriteFile(path))

	checker, err := New(Opt{
		Opt:     device.Opt{ImagePath: path, PEBSize: pebSize},
		MaxLnum: 31,
		Strict:  strict,
	})
	require.NoError(t, err)
	return checker.Check(context.Background())
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		damage func(img *image)
		strict bool
		err    error
		ok     bool
	}{
		{
			name:   "healthy",
			damage: func(*image) {},
			strict: true,
			ok:     true,
		},
		{
			name:   "one layout copy lost",
			damage: func(img *image) { img.CorruptData(img.layout[1]) },
			ok:     true,
		},
		{
			name:   "one layout copy lost strict",
			damage: func(img *image) { img.CorruptData(img.layout[1]) },
			strict: true,
		},
		{
			name: "layout volume lost",
			damage: func(img *image) {
				img.Erase(img.layout[0])
				img.Erase(img.layout[1])
			},
			err: ubi.ErrLayoutVolumeUnrecoverable,
		},
		{
			name:   "broken volume",
			damage: func(img *image) { img.Erase(img.rootfs[2]) },
			err:    ubi.ErrVolumeIncomplete,
		},
		{
			name: "no geometry",
			damage: func(img *image) {
				for pnum := 0; pnum < 24; pnum++ {
					img.Erase(pnum)
				}
			},
			err: ubi.ErrNoValidGeometry,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			img := newImage()
			test.damage(img)
			err := check(t, img, test.strict)
			switch {
			case test.ok:
				require.NoError(t, err)
			case test.err != nil:
				require.ErrorIs(t, err, test.err)
			default:
				require.Error(t, err)
			}
		})
	}
}

func TestCheckCanceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ubi.img")
	require.NoError(t, newImage().WriteFile(path))

	checker, err := New(Opt{Opt: device.Opt{ImagePath: path, PEBSize: pebSize}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, checker.Check(ctx), context.Canceled)
}

func TestNew(t *testing.T) {
	for _, opt := range []Opt{
		{},
		{Opt: device.Opt{ImagePath: "ubi.img"}},
		{Opt: device.Opt{ImagePath: "ubi.img", PEBSize: pebSize}, MaxLnum: -1},
	} {
		_, err := New(opt)
		require.Error(t, err)
	}
}
