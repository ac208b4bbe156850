// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package checker

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dragonflyoss/lubi/pkg/checker/rule"
	"github.com/dragonflyoss/lubi/pkg/device"
	"github.com/dragonflyoss/lubi/pkg/ubi"
)

// Opt defines Checker options.
type Opt struct {
	device.Opt
	MaxLnum int
	// Strict turns a lost layout volume copy into an error.
	Strict bool
}

// Checker attaches to a UBI image and validates its geometry, its volume
// table and the static volumes it holds.
type Checker struct {
	Opt
}

// New creates Checker instance.
func New(opt Opt) (*Checker, error) {
	if opt.ImagePath == "" {
		return nil, errors.New("missing image path")
	}
	if opt.PEBSize <= 0 {
		return nil, errors.Errorf("invalid PEB size %d", opt.PEBSize)
	}
	if opt.MaxLnum < 0 {
		return nil, errors.Errorf("invalid max lnum %d", opt.MaxLnum)
	}
	return &Checker{
		Opt: opt,
	}, nil
}

// Check attaches to the image, the check workflow is composed of
// various rules.
func (checker *Checker) Check(ctx context.Context) error {
	dev, err := device.Open(checker.Opt.Opt)
	if err != nil {
		return errors.Wrap(err, "open image")
	}
	defer dev.Close()

	uctx, err := dev.Attach()
	if uctx == nil {
		return err
	}
	if err != nil && !errors.Is(err, ubi.ErrLayoutVolumeUnrecoverable) {
		return err
	}

	rules := []rule.Rule{
		&rule.GeometryRule{
			Geometry: uctx.Geometry(),
			Stats:    uctx.Stats(),
		},
		&rule.LayoutRule{
			Copies: uctx.LayoutCopies(),
			Strict: checker.Strict,
		},
		&rule.VolumeRule{
			Volumes: uctx,
			MaxLnum: checker.MaxLnum,
		},
	}

	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rule.Validate(); err != nil {
			return errors.Wrapf(err, "validate rule %s", rule.Name())
		}
	}

	logrus.Infof("Verified UBI image %s", checker.ImagePath)

	return nil
}
