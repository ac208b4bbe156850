// Copyright 2024 Nydus Developers. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads the lubi configuration file.
//
//	[flash]
//	peb_size = 131072
//	peb_min = 0
//	peb_count = 0        # 0: image size / peb_size
//	vid_hdr_offset = 0   # 0: discover
//	data_offset = 0      # 0: discover
//
//	[limits]
//	max_pebs = 128
//	max_peb_size = 131072
//
//	[extract]
//	max_lnum = 31
//	digest_algorithm = "sha256"
package config

import (
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/dragonflyoss/lubi/pkg/ubi"
)

const (
	DigestSHA256 = "sha256"
	DigestBLAKE3 = "blake3"

	// DefaultMaxLnum bounds the logical blocks read for one volume.
	DefaultMaxLnum = 31
)

type FlashConfig struct {
	PEBSize      int `toml:"peb_size"`
	PEBMin       int `toml:"peb_min"`
	PEBCount     int `toml:"peb_count"`
	VIDHdrOffset int `toml:"vid_hdr_offset"`
	DataOffset   int `toml:"data_offset"`
}

type LimitsConfig struct {
	MaxPEBs    int `toml:"max_pebs"`
	MaxPEBSize int `toml:"max_peb_size"`
}

type ExtractConfig struct {
	MaxLnum         int    `toml:"max_lnum"`
	DigestAlgorithm string `toml:"digest_algorithm"`
}

type Config struct {
	Flash   FlashConfig   `toml:"flash"`
	Limits  LimitsConfig  `toml:"limits"`
	Extract ExtractConfig `toml:"extract"`
}

func Default() *Config {
	return &Config{
		Limits: LimitsConfig{
			MaxPEBs:    ubi.DefaultMaxPEBs,
			MaxPEBSize: ubi.DefaultMaxPEBSize,
		},
		Extract: ExtractConfig{
			MaxLnum:         DefaultMaxLnum,
			DigestAlgorithm: DigestSHA256,
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep
// their default value, unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config file")
	}
	defer file.Close()

	if err := toml.NewDecoder(file).Strict(true).Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file %s", path)
	}
	return cfg, nil
}

// Validate checks the values that cannot be checked by ubi.New.
func (cfg *Config) Validate() error {
	f := cfg.Flash
	if f.PEBSize < 0 || f.PEBMin < 0 || f.PEBCount < 0 || f.VIDHdrOffset < 0 || f.DataOffset < 0 {
		return errors.New("flash parameters must not be negative")
	}
	if cfg.Limits.MaxPEBs < 0 || cfg.Limits.MaxPEBSize < 0 {
		return errors.New("limits must not be negative")
	}
	if cfg.Extract.MaxLnum < 0 {
		return errors.Errorf("max_lnum %d must not be negative", cfg.Extract.MaxLnum)
	}
	switch cfg.Extract.DigestAlgorithm {
	case DigestSHA256, DigestBLAKE3:
	default:
		return errors.Errorf("unsupported digest algorithm %q", cfg.Extract.DigestAlgorithm)
	}
	return nil
}
