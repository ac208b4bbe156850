// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"lukechampine.com/blake3"

	"github.com/dragonflyoss/lubi/pkg/config"
	"github.com/dragonflyoss/lubi/pkg/ubi"
	"github.com/dragonflyoss/lubi/pkg/ubi/ubitest"
)

const pebSize = 16 << 10

var (
	kernel = ubitest.Payload(1, 20000)
	rootfs = ubitest.Payload(2, 40000)
)

func writeImage(t *testing.T) string {
	img := ubitest.New(ubitest.Options{PEBSize: pebSize, PEBCount: 16})
	img.AddStaticVolume(0, "kernel", kernel, 0)
	img.AddStaticVolume(1, "rootfs", rootfs, 0)
	img.AddDynamicVolume(3, "data", 4)
	img.AddLayout()

	path := filepath.Join(t.TempDir(), "ubi.img")
	require.NoError(t, img.WriteFile(path))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Writer = &stdout
	app.ErrWriter = &stderr
	err := app.Run(append([]string{"lubi", "--log-level", "error"}, args...))
	return stdout.String(), err
}

func TestList(t *testing.T) {
	image := writeImage(t)

	out, err := run(t, "list", "--image", image, "--peb-size", "16384")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"ID", "NAME", "TYPE", "UPD", "SIZE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"0", "kernel", "static", "0", "32", "KiB"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"1", "rootfs", "static", "0", "48", "KiB"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"3", "data", "dynamic", "0", "64", "KiB"}, strings.Fields(lines[3]))
}

func TestListOversizedDataPad(t *testing.T) {
	img := ubitest.New(ubitest.Options{PEBSize: pebSize, PEBCount: 16})
	rec := ubi.VtblRecord{ReservedPEBs: 1, Alignment: 1, DataPad: 1 << 20, VolType: ubi.VolumeStatic}
	rec.SetName("padded")
	img.SetVolume(0, rec)
	img.AddLayout()
	image := filepath.Join(t.TempDir(), "ubi.img")
	require.NoError(t, img.WriteFile(image))

	out, err := run(t, "list", "--image", image, "--peb-size", "16384")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"0", "padded", "static", "0", "0", "B"}, strings.Fields(lines[1]))
}

func TestExtractFile(t *testing.T) {
	image := writeImage(t)
	output := filepath.Join(t.TempDir(), "rootfs.bin")

	out, err := run(t, "extract", "--image", image, "--peb-size", "16384", "--vol", "rootfs", "--output", output)
	require.NoError(t, err)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	require.Equal(t, rootfs, data)
	require.Equal(t, digest.FromBytes(rootfs).String()+"  "+output+"\n", out)
}

func TestExtractDirectory(t *testing.T) {
	image := writeImage(t)
	dir := filepath.Join(t.TempDir(), "volumes")

	out, err := run(t, "extract", "--image", image, "--peb-size", "16384",
		"--vol", "kernel", "--vol", "rootfs", "--output-dir", dir, "--digest-algorithm", "blake3")
	require.NoError(t, err)

	for name, want := range map[string][]byte{"kernel": kernel, "rootfs": rootfs} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		require.Equal(t, want, data, name)
	}

	sum := blake3.Sum256(kernel)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, "blake3:"+digest.Algorithm("blake3").Encode(sum[:])+"  "+filepath.Join(dir, "kernel"), lines[0])
}

func TestExtractHexDump(t *testing.T) {
	img := ubitest.New(ubitest.Options{PEBSize: pebSize, PEBCount: 8})
	img.AddStaticVolume(0, "env", []byte("0123456789abcdefXYZ"), 0)
	img.AddLayout()
	image := filepath.Join(t.TempDir(), "ubi.img")
	require.NoError(t, img.WriteFile(image))

	out, err := run(t, "extract", "--image", image, "--peb-size", "16384", "--vol", "env")
	require.NoError(t, err)
	require.Equal(t,
		"30 31 32 33  34 35 36 37  38 39 61 62  63 64 65 66 \n"+
			"58 59 5a \n", out)
}

func TestExtractErrors(t *testing.T) {
	image := writeImage(t)
	dir := t.TempDir()

	tests := []struct {
		name string
		args []string
		err  string
	}{
		{"missing volume", []string{"--vol", "boot", "--output", filepath.Join(dir, "boot")}, "volume not found"},
		{"dynamic volume", []string{"--vol", "data", "--output", filepath.Join(dir, "data")}, "not static"},
		{"output conflict", []string{"--vol", "kernel", "--output", "a", "--output-dir", dir}, "conflicts"},
		{"several volumes to one file", []string{"--vol", "kernel", "--vol", "rootfs", "--output", "a"}, "single --vol"},
		{"several volumes dumped", []string{"--vol", "kernel", "--vol", "rootfs"}, "--output-dir is required"},
		{"bad file name", []string{"--vol", "../kernel", "--output-dir", dir}, "not a valid file name"},
		{"bad digest", []string{"--vol", "kernel", "--digest-algorithm", "md5"}, "unsupported digest algorithm"},
		{"lnum limit", []string{"--vol", "rootfs", "--max-lnum", "1", "--output", filepath.Join(dir, "rootfs")}, "incomplete"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			args := append([]string{"extract", "--image", image, "--peb-size", "16384"}, test.args...)
			_, err := run(t, args...)
			require.Error(t, err)
			require.Contains(t, err.Error(), test.err)
		})
	}
}

func TestExtractLargeMaxLnum(t *testing.T) {
	image := writeImage(t)

	for _, maxLnum := range []string{"20000000000", "1152921504606846975"} {
		t.Run(maxLnum, func(t *testing.T) {
			output := filepath.Join(t.TempDir(), "rootfs.bin")
			_, err := run(t, "extract", "--image", image, "--peb-size", "16384", "--vol", "rootfs", "--max-lnum", maxLnum, "--output", output)
			require.NoError(t, err)

			data, err := os.ReadFile(output)
			require.NoError(t, err)
			require.Equal(t, rootfs, data)
		})
	}
}

func TestCheck(t *testing.T) {
	image := writeImage(t)
	metricsFile := filepath.Join(t.TempDir(), "lubi.prom")

	_, err := run(t, "check", "--image", image, "--peb-size", "16384", "--strict", "--metrics-file", metricsFile)
	require.NoError(t, err)

	data, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	require.Contains(t, string(data), `lubi_scan_pebs{class="total"} 16`)
	require.Contains(t, string(data), "lubi_attach_duration_seconds")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lubi.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[flash]
peb_size = 131072
peb_min = 2

[extract]
max_lnum = 7
`), 0644))

	app := newApp()
	flagSet := flag.NewFlagSet("test", flag.PanicOnError)
	flagSet.String("config", path, "")
	flagSet.Int("peb-min", 0, "")
	flagSet.Int("max-lnum", 0, "")
	require.NoError(t, flagSet.Parse([]string{"--peb-min", "4"}))
	ctx := cli.NewContext(app, flagSet, nil)

	cfg, err := loadConfig(ctx)
	require.NoError(t, err)
	require.Equal(t, 131072, cfg.Flash.PEBSize)
	require.Equal(t, 4, cfg.Flash.PEBMin)
	require.Equal(t, 7, cfg.Extract.MaxLnum)
	require.Equal(t, config.DigestSHA256, cfg.Extract.DigestAlgorithm)

	flagSet = flag.NewFlagSet("test", flag.PanicOnError)
	ctx = cli.NewContext(app, flagSet, nil)
	_, err = loadConfig(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "--peb-size is required")
}

func TestHexDump(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, hexDump(&buf, nil))
	require.Equal(t, "\n", buf.String())

	buf.Reset()
	require.NoError(t, hexDump(&buf, []byte{0xde, 0xad, 0xbe, 0xef, 0x01}))
	require.Equal(t, "de ad be ef  01 \n", buf.String())
}
