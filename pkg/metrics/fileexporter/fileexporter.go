// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fileexporter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/dragonflyoss/lubi/pkg/metrics"
)

// FileExporter writes the registry in the text exposition format, for
// the node exporter textfile collector.
type FileExporter struct{ name string }

func New(name string) *FileExporter {
	return &FileExporter{
		name: name,
	}
}

func (exp *FileExporter) Export() {
	if err := prometheus.WriteToTextfile(exp.name, metrics.Registry); err != nil {
		logrus.WithError(err).Warnf("export metrics to %s", exp.name)
	}
}
