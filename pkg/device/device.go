// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package device opens a UBI image file and attaches to it.
package device

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dragonflyoss/lubi/pkg/flash"
	"github.com/dragonflyoss/lubi/pkg/metrics"
	"github.com/dragonflyoss/lubi/pkg/ubi"
)

// Opt describes the image and how to attach to it, zero offsets are
// discovered and a zero PEBCount covers the image from PEBMin to its end.
type Opt struct {
	ImagePath    string
	PEBSize      int
	PEBMin       int
	PEBCount     int
	VIDHdrOffset int
	DataOffset   int
	MaxPEBs      int
	MaxPEBSize   int
}

// Device is an opened image. Every Attach returns an independent
// ubi.Context over the same read-only mapping, so contexts may be used
// from different goroutines.
type Device struct {
	opt   Opt
	image *flash.Image
}

func Open(opt Opt) (*Device, error) {
	if opt.ImagePath == "" {
		return nil, errors.New("missing image path")
	}
	image, err := flash.Open(opt.ImagePath, opt.PEBSize)
	if err != nil {
		return nil, err
	}

	if opt.PEBCount == 0 {
		opt.PEBCount = image.PEBCount() - opt.PEBMin
	}
	if opt.PEBMin < 0 || opt.PEBCount <= 0 || opt.PEBMin+opt.PEBCount > image.PEBCount() {
		image.Close()
		return nil, errors.Errorf("PEB range [%d, %d) outside image of %d PEBs",
			opt.PEBMin, opt.PEBMin+opt.PEBCount, image.PEBCount())
	}

	return &Device{
		opt:   opt,
		image: image,
	}, nil
}

// PEBCount returns the number of PEBs scanned by Attach.
func (dev *Device) PEBCount() int {
	return dev.opt.PEBCount
}

// Attach scans the image into a new context. The context is also
// returned when attaching fails, its Stats describe the failed scan.
func (dev *Device) Attach() (*ubi.Context, error) {
	ctx, err := ubi.New(ubi.Config{
		Reader:     dev.image,
		PEBSize:    dev.opt.PEBSize,
		PEBMin:     dev.opt.PEBMin,
		PEBCount:   dev.opt.PEBCount,
		MaxPEBs:    dev.opt.MaxPEBs,
		MaxPEBSize: dev.opt.MaxPEBSize,
		Logger:     logrus.WithField("image", dev.opt.ImagePath),
	})
	if err != nil {
		return nil, errors.Wrap(err, "init UBI context")
	}

	start := time.Now()
	err = ctx.Attach(dev.opt.VIDHdrOffset, dev.opt.DataOffset)
	metrics.AttachDuration(start)
	metrics.RecordScan(ctx.Stats())
	if err != nil {
		return ctx, errors.Wrapf(err, "attach %s", dev.opt.ImagePath)
	}
	return ctx, nil
}

func (dev *Device) Close() error {
	return dev.image.Close()
}
