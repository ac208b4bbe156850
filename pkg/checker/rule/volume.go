// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package rule

import (
	"iter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dragonflyoss/lubi/pkg/metrics"
	"github.com/dragonflyoss/lubi/pkg/ubi"
)

// Volumes is the part of ubi.Context the volume rule reads through.
type Volumes interface {
	Geometry() ubi.Geometry
	ListVolumes() (iter.Seq[ubi.VolumeInfo], error)
	ReadVolume(dst []byte, volID, maxLnum, pad int) (int, error)
}

// VolumeRule validates that every static volume reconstructs completely
type VolumeRule struct {
	Volumes Volumes
	MaxLnum int
}

func (rule *VolumeRule) Name() string {
	return "Volume"
}

func (rule *VolumeRule) Validate() error {
	logrus.Infof("Checking UBI volumes")

	volumes, err := rule.Volumes.ListVolumes()
	if err != nil {
		return errors.Wrap(err, "list volumes")
	}

	geo := rule.Volumes.Geometry()
	maxLnum := geo.MaxLnum(rule.MaxLnum)
	buf := make([]byte, (maxLnum+1)*geo.LEBSize)
	var failed []string
	for vol := range volumes {
		if vol.Type != ubi.VolumeStatic {
			logrus.Infof("Skipping %s volume %d %q", vol.Type, vol.ID, vol.Name)
			continue
		}
		n, err := rule.Volumes.ReadVolume(buf, vol.ID, maxLnum, ubi.TablePad)
		if errors.Is(err, ubi.ErrFlashRead) {
			return errors.Wrapf(err, "read volume %q", vol.Name)
		}
		if err != nil {
			logrus.WithError(err).Errorf("Volume %d %q is broken", vol.ID, vol.Name)
			failed = append(failed, vol.Name)
			continue
		}
		metrics.VolumeRead(vol.Name, n)
		logrus.Infof("Volume %d %q: %s", vol.ID, vol.Name, humanize.IBytes(uint64(n)))
	}

	if len(failed) > 0 {
		return errors.Wrapf(ubi.ErrVolumeIncomplete, "volumes %q", failed)
	}
	return nil
}
