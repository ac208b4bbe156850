// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package rule

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dragonflyoss/lubi/pkg/ubi"
)

// GeometryRule validates the geometry derived by attaching
type GeometryRule struct {
	Geometry ubi.Geometry
	Stats    ubi.ScanStats
}

func (rule *GeometryRule) Name() string {
	return "Geometry"
}

func (rule *GeometryRule) Validate() error {
	logrus.Infof("Checking UBI geometry")

	geo := rule.Geometry
	if geo.VIDHdrOffset < ubi.ECHeaderSize || geo.VIDHdrOffset+ubi.VIDHeaderSize > geo.DataOffset {
		return errors.Errorf("invalid vid header offset %d for data offset %d", geo.VIDHdrOffset, geo.DataOffset)
	}
	if geo.LEBSize <= 0 || geo.LEBSize != geo.PEBSize-geo.DataOffset {
		return errors.Errorf("LEB size %d does not match PEB size %d and data offset %d",
			geo.LEBSize, geo.PEBSize, geo.DataOffset)
	}
	slots := geo.LEBSize / ubi.VtblRecordSize
	if slots > ubi.MaxVolumes {
		slots = ubi.MaxVolumes
	}
	if geo.VtblSlots <= 0 || geo.VtblSlots != slots {
		return errors.Errorf("volume table of %d slots, expected %d", geo.VtblSlots, slots)
	}

	stats := rule.Stats
	if stats.PEBs != geo.PEBCount {
		return errors.Errorf("scanned %d PEBs, expected %d", stats.PEBs, geo.PEBCount)
	}
	if bad := stats.PEBs - stats.ECCRCOK; bad > 0 {
		logrus.Warnf("%d of %d PEBs carry no valid EC header", bad, stats.PEBs)
	}
	if corrupt := stats.VIDMagic - stats.VIDCRCOK; corrupt > 0 {
		logrus.Warnf("%d PEBs carry a corrupted VID header", corrupt)
	}
	logrus.Infof("Erase counters (min-mean-max): %d-%d-%d", stats.MinEC, stats.MeanEC, stats.MaxEC)

	return nil
}
