// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// The lubi CLI tool attaches to a raw UBI image read-only, lists its
// volume table and extracts static volumes from it.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/blake3"

	"github.com/dragonflyoss/lubi/pkg/checker"
	"github.com/dragonflyoss/lubi/pkg/config"
	"github.com/dragonflyoss/lubi/pkg/device"
	"github.com/dragonflyoss/lubi/pkg/metrics"
	"github.com/dragonflyoss/lubi/pkg/metrics/fileexporter"
	"github.com/dragonflyoss/lubi/pkg/ubi"
)

var versionGitCommit string
var versionBuildTime string

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "image", Required: true, Usage: "Raw UBI image file", EnvVars: []string{"IMAGE"}},
		&cli.StringFlag{Name: "config", Usage: "TOML configuration file, flags given on the command line take precedence", EnvVars: []string{"CONFIG"}},
		&cli.IntFlag{Name: "peb-size", Usage: "Physical erase block size in bytes", EnvVars: []string{"PEB_SIZE"}},
		&cli.IntFlag{Name: "peb-min", Usage: "First physical erase block of the UBI device", EnvVars: []string{"PEB_MIN"}},
		&cli.IntFlag{Name: "peb-count", Usage: "Number of physical erase blocks, 0 for up to the end of the image", EnvVars: []string{"PEB_COUNT"}},
		&cli.IntFlag{Name: "vid-hdr-offset", Usage: "VID header offset, 0 to discover it from the EC headers", EnvVars: []string{"VID_HDR_OFFSET"}},
		&cli.IntFlag{Name: "data-offset", Usage: "Data offset, 0 to discover it from the EC headers", EnvVars: []string{"DATA_OFFSET"}},
		&cli.IntFlag{Name: "max-pebs", Usage: "Maximum number of physical erase blocks", EnvVars: []string{"MAX_PEBS"}},
		&cli.IntFlag{Name: "max-peb-size", Usage: "Maximum physical erase block size in bytes", EnvVars: []string{"MAX_PEB_SIZE"}},
		&cli.StringFlag{Name: "metrics-file", Usage: "Write scan metrics to a file in Prometheus text format", EnvVars: []string{"METRICS_FILE"}},
	}
}

// loadConfig reads the configuration file if any and applies the flags
// set on the command line over it.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	overrides := []struct {
		flag  string
		value *int
	}{
		{"peb-size", &cfg.Flash.PEBSize},
		{"peb-min", &cfg.Flash.PEBMin},
		{"peb-count", &cfg.Flash.PEBCount},
		{"vid-hdr-offset", &cfg.Flash.VIDHdrOffset},
		{"data-offset", &cfg.Flash.DataOffset},
		{"max-pebs", &cfg.Limits.MaxPEBs},
		{"max-peb-size", &cfg.Limits.MaxPEBSize},
		{"max-lnum", &cfg.Extract.MaxLnum},
	}
	for _, override := range overrides {
		if c.IsSet(override.flag) {
			*override.value = c.Int(override.flag)
		}
	}
	if c.IsSet("digest-algorithm") {
		cfg.Extract.DigestAlgorithm = c.String("digest-algorithm")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Flash.PEBSize == 0 {
		return nil, fmt.Errorf("--peb-size is required")
	}
	return cfg, nil
}

func deviceOpt(c *cli.Context, cfg *config.Config) device.Opt {
	return device.Opt{
		ImagePath:    c.String("image"),
		PEBSize:      cfg.Flash.PEBSize,
		PEBMin:       cfg.Flash.PEBMin,
		PEBCount:     cfg.Flash.PEBCount,
		VIDHdrOffset: cfg.Flash.VIDHdrOffset,
		DataOffset:   cfg.Flash.DataOffset,
		MaxPEBs:      cfg.Limits.MaxPEBs,
		MaxPEBSize:   cfg.Limits.MaxPEBSize,
	}
}

func withConfig(action func(c *cli.Context, cfg *config.Config) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		if path := c.String("metrics-file"); path != "" {
			metrics.Register(fileexporter.New(path))
			defer metrics.Export()
		}
		return action(c, cfg)
	}
}

func list(c *cli.Context, cfg *config.Config) error {
	dev, err := device.Open(deviceOpt(c, cfg))
	if err != nil {
		return err
	}
	defer dev.Close()

	ctx, err := dev.Attach()
	if err != nil {
		return err
	}
	volumes, err := ctx.ListVolumes()
	if err != nil {
		return errors.Wrap(err, "list volumes")
	}

	lebSize := ctx.Geometry().LEBSize
	w := c.App.Writer
	fmt.Fprintf(w, "%-4s %-32s %-8s %-4s %s\n", "ID", "NAME", "TYPE", "UPD", "SIZE")
	for vol := range volumes {
		size := uint64(vol.ReservedPEBs) * uint64(max(lebSize-vol.DataPad, 0))
		fmt.Fprintf(w, "%-4d %-32s %-8s %-4d %s\n", vol.ID, vol.Name, vol.Type, vol.UpdMarker, humanize.IBytes(size))
	}
	return nil
}

func volumeDigest(algorithm string, data []byte) digest.Digest {
	if algorithm == config.DigestBLAKE3 {
		sum := blake3.Sum256(data)
		return digest.NewDigestFromBytes(digest.Algorithm(config.DigestBLAKE3), sum[:])
	}
	return digest.FromBytes(data)
}

// readVolume attaches a context of its own and reconstructs volume name.
func readVolume(dev *device.Device, name string, maxLnum int) ([]byte, error) {
	ctx, err := dev.Attach()
	if err != nil {
		return nil, err
	}
	id, updMarker, err := ctx.GetVolumeID(name)
	if err != nil {
		return nil, err
	}
	if updMarker != 0 {
		logrus.Warnf("Volume %q has an interrupted update pending", name)
	}

	geo := ctx.Geometry()
	maxLnum = geo.MaxLnum(maxLnum)
	buf := make([]byte, (maxLnum+1)*geo.LEBSize)
	n, err := ctx.ReadVolume(buf, id, maxLnum, ubi.TablePad)
	if err != nil {
		return nil, errors.Wrapf(err, "read volume %q", name)
	}
	metrics.VolumeRead(name, n)
	return buf[:n], nil
}

// hexDump writes data as space separated bytes, four byte groups and
// sixteen bytes per line.
func hexDump(w io.Writer, data []byte) error {
	bw := bufio.NewWriter(w)
	for i, b := range data {
		if i%4 == 0 && i != 0 {
			if i%16 != 0 {
				bw.WriteByte(' ')
			} else {
				bw.WriteByte('\n')
			}
		}
		fmt.Fprintf(bw, "%02x ", b)
	}
	bw.WriteByte('\n')
	return bw.Flush()
}

type extracted struct {
	name   string
	path   string
	data   []byte
	digest digest.Digest
}

func extract(c *cli.Context, cfg *config.Config) error {
	names := c.StringSlice("vol")
	output, outputDir := c.String("output"), c.String("output-dir")
	switch {
	case output != "" && outputDir != "":
		return fmt.Errorf("--output conflicts with --output-dir")
	case output != "" && len(names) > 1:
		return fmt.Errorf("--output takes a single --vol, use --output-dir for several volumes")
	case output == "" && outputDir == "" && len(names) > 1:
		return fmt.Errorf("--output-dir is required to extract several volumes")
	}
	for _, name := range names {
		if outputDir != "" && filepath.Base(name) != name {
			return fmt.Errorf("volume name %q is not a valid file name", name)
		}
	}

	dev, err := device.Open(deviceOpt(c, cfg))
	if err != nil {
		return err
	}
	defer dev.Close()

	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return errors.Wrap(err, "create output directory")
		}
	}

	results := make([]extracted, len(names))
	eg, ctx := errgroup.WithContext(c.Context)
	for idx := range names {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			name := names[idx]
			data, err := readVolume(dev, name, cfg.Extract.MaxLnum)
			if err != nil {
				return err
			}

			result := extracted{
				name:   name,
				path:   output,
				digest: volumeDigest(cfg.Extract.DigestAlgorithm, data),
			}
			if outputDir != "" {
				result.path = filepath.Join(outputDir, name)
			}
			if result.path == "" {
				result.data = data
			} else if err := os.WriteFile(result.path, data, 0644); err != nil {
				return errors.Wrapf(err, "write volume %q", name)
			}

			logrus.WithField("digest", result.digest).
				WithField("size", humanize.IBytes(uint64(len(data)))).
				Infof("Extracted volume %q", name)
			results[idx] = result
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, result := range results {
		if result.path == "" {
			fmt.Fprintf(c.App.ErrWriter, "Dumping volume %q (%d bytes) ..\n", result.name, len(result.data))
			if err := hexDump(c.App.Writer, result.data); err != nil {
				return errors.Wrap(err, "dump volume")
			}
			continue
		}
		fmt.Fprintf(c.App.Writer, "%s  %s\n", result.digest, result.path)
	}
	return nil
}

func check(c *cli.Context, cfg *config.Config) error {
	checker, err := checker.New(checker.Opt{
		Opt:     deviceOpt(c, cfg),
		MaxLnum: cfg.Extract.MaxLnum,
		Strict:  c.Bool("strict"),
	})
	if err != nil {
		return err
	}
	return checker.Check(c.Context)
}

func newApp() *cli.App {
	version := fmt.Sprintf("%s.%s", versionGitCommit, versionBuildTime)

	app := &cli.App{
		Name:    "lubi",
		Usage:   "Read-only UBI volume extractor",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "Set log level (panic, fatal, error, warn, info, debug, trace)", EnvVars: []string{"LOG_LEVEL"}},
		},
		Before: func(c *cli.Context) error {
			logLevel, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			logrus.SetLevel(logLevel)
			return nil
		},
	}

	extractFlags := append(commonFlags(),
		&cli.StringSliceFlag{Name: "vol", Required: true, Usage: "Name of a static volume to extract, may be repeated", EnvVars: []string{"VOL"}},
		&cli.StringFlag{Name: "output", Usage: "Write the volume to a file instead of dumping it on stdout", EnvVars: []string{"OUTPUT"}},
		&cli.StringFlag{Name: "output-dir", Usage: "Write every volume to a file named after it in a directory", EnvVars: []string{"OUTPUT_DIR"}},
		&cli.IntFlag{Name: "max-lnum", Usage: "Highest logical erase block read per volume", EnvVars: []string{"MAX_LNUM"}},
		&cli.StringFlag{Name: "digest-algorithm", Usage: "Digest algorithm of the extracted volumes (sha256, blake3)", EnvVars: []string{"DIGEST_ALGORITHM"}},
	)
	checkFlags := append(commonFlags(),
		&cli.BoolFlag{Name: "strict", Usage: "Fail when a layout volume copy is lost", EnvVars: []string{"STRICT"}},
		&cli.IntFlag{Name: "max-lnum", Usage: "Highest logical erase block read per volume", EnvVars: []string{"MAX_LNUM"}},
	)

	app.Commands = []*cli.Command{
		{
			Name:   "list",
			Usage:  "List the volume table of a UBI image",
			Flags:  commonFlags(),
			Action: withConfig(list),
		},
		{
			Name:   "extract",
			Usage:  "Extract static volumes from a UBI image",
			Flags:  extractFlags,
			Action: withConfig(extract),
		},
		{
			Name:   "check",
			Usage:  "Check the integrity of a UBI image",
			Flags:  checkFlags,
			Action: withConfig(check),
		},
	}

	return app
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if err := newApp().Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
