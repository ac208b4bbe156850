// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fileexporter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dragonflyoss/lubi/pkg/metrics"
	"github.com/dragonflyoss/lubi/pkg/ubi"
)

func TestExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lubi.prom")
	metrics.Register(New(path))

	metrics.RecordScan(ubi.ScanStats{PEBs: 16, ECMagic: 16, ECCRCOK: 15})
	metrics.VolumeRead("rootfs", 4096)
	metrics.Export()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `lubi_scan_pebs{class="ec_crc_ok"} 15`)
	require.Contains(t, string(data), `lubi_volume_read_bytes{volume="rootfs"} 4096`)
}

func TestExportBadPath(t *testing.T) {
	// Failures are logged, the caller is never interrupted.
	exp := New(filepath.Join(t.TempDir(), "missing", "lubi.prom"))
	metrics.Register(exp)
	require.NotPanics(t, exp.Export)
}
