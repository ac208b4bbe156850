// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dragonflyoss/lubi/pkg/ubi"
)

type Exporter interface {
	Export()
}

const (
	namespace       = "lubi"
	scanSubsystem   = "scan"
	volumeSubsystem = "volume"

	scanPEBsKey         = "pebs"
	scanEraseCounterKey = "erase_counter"
	volumeReadBytesKey  = "read_bytes"
	attachDurationKey   = "attach_duration_seconds"
)

var (
	scanPEBs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scanSubsystem,
			Name:      scanPEBsKey,
			Help:      "PEBs seen by the last scan. Broken down by header class.",
		},
		[]string{"class"},
	)

	scanEraseCounter = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scanSubsystem,
			Name:      scanEraseCounterKey,
			Help:      "Erase counters of the PEBs with a valid EC header. Broken down by min, mean and max.",
		},
		[]string{"stat"},
	)

	volumeReadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: volumeSubsystem,
			Name:      volumeReadBytesKey,
			Help:      "The total bytes reconstructed from static volumes. Broken down by volume name.",
		},
		[]string{"volume"},
	)

	attachDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      attachDurationKey,
			Help:      "The duration of attaching to a UBI device.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)
)

var register sync.Once
var Registry *prometheus.Registry
var exporter Exporter

func sinceInSeconds(start time.Time) float64 {
	return time.Since(start).Seconds()
}

// Register registers metrics. This is always called only once.
func Register(exp Exporter) {
	register.Do(func() {
		Registry = prometheus.NewRegistry()
		Registry.MustRegister(scanPEBs, scanEraseCounter, volumeReadBytes, attachDuration)
		exporter = exp
	})
}

// Export hands the registry to the exporter given to Register, if any.
func Export() {
	if exporter != nil {
		exporter.Export()
	}
}

func RecordScan(stats ubi.ScanStats) {
	scanPEBs.WithLabelValues("total").Set(float64(stats.PEBs))
	scanPEBs.WithLabelValues("ec_magic").Set(float64(stats.ECMagic))
	scanPEBs.WithLabelValues("ec_crc_ok").Set(float64(stats.ECCRCOK))
	scanPEBs.WithLabelValues("vid_magic").Set(float64(stats.VIDMagic))
	scanPEBs.WithLabelValues("vid_crc_ok").Set(float64(stats.VIDCRCOK))

	scanEraseCounter.WithLabelValues("min").Set(float64(stats.MinEC))
	scanEraseCounter.WithLabelValues("mean").Set(float64(stats.MeanEC))
	scanEraseCounter.WithLabelValues("max").Set(float64(stats.MaxEC))
}

func VolumeRead(name string, n int) {
	volumeReadBytes.WithLabelValues(name).Add(float64(n))
}

func AttachDuration(start time.Time) {
	attachDuration.Observe(sinceInSeconds(start))
}
