// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package rule

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dragonflyoss/lubi/pkg/ubi"
)

// LayoutRule validates the redundancy of the volume table
type LayoutRule struct {
	Copies [ubi.LayoutVolumeEBs]bool
	// Strict fails the rule when a single copy is left.
	Strict bool
}

func (rule *LayoutRule) Name() string {
	return "Layout"
}

func (rule *LayoutRule) Validate() error {
	logrus.Infof("Checking UBI layout volume")

	var lost []int
	for lnum, ok := range rule.Copies {
		if !ok {
			lost = append(lost, lnum)
		}
	}

	switch {
	case len(lost) == 0:
		return nil
	case len(lost) == len(rule.Copies):
		return ubi.ErrLayoutVolumeUnrecoverable
	case rule.Strict:
		return errors.Errorf("layout volume copy %v lost", lost)
	default:
		logrus.Warnf("Layout volume copy %v lost, volume table is no longer redundant", lost)
		return nil
	}
}
