// elPrep: a high-performance tool for analyzing SAM/BAM files.
// Copyright (c) 2021 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/elprep/blob/master/LICENSE.txt>.

// Package config loads command line configuration from flags, from
// environment variables, and from a configuration file.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix is the prefix of all environment variables bound to flags.
const EnvPrefix = "ELSORT"

// Load applies the configuration file name.yaml in the working
// directory and the ELSORT_ environment variables to all flags of fs
// that were not set on the command line.
func Load(name string, fs *pflag.FlagSet) error {
	v := viper.New()
	v.SetConfigName(name)
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return err
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return BindFlags(fs, v, EnvPrefix)
}

// BindFlags binds each flag to its viper configuration key and
// environment variable.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper, envPrefix string) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		// Environment variables cannot contain dashes.
		if strings.Contains(f.Name, "-") {
			envVarSuffix := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			err = multierr.Append(err, v.BindEnv(f.Name, fmt.Sprintf("%s_%s", envPrefix, envVarSuffix)))
		}
		if !f.Changed && v.IsSet(f.Name) {
			val := v.Get(f.Name)
			if s, ok := val.([]interface{}); ok {
				parts := make([]string, len(s))
				for i, x := range s {
					parts[i] = fmt.Sprint(x)
				}
				val = strings.Join(parts, ",")
			}
			err = multierr.Append(err, fs.Set(f.Name, fmt.Sprintf("%v", val)))
		}
	})
	return err
}

// ByteSize is a flag value for a number of bytes. It accepts plain
// numbers as well as sizes with a unit, such as 64K or 512MiB.
type ByteSize int64

// Set implements pflag.Value.
func (s *ByteSize) Set(value string) error {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n < 0 {
			return fmt.Errorf("negative byte size %v", n)
		}
		*s = ByteSize(n)
		return nil
	}
	n, err := bytefmt.ToBytes(value)
	if err != nil {
		return err
	}
	*s = ByteSize(n)
	return nil
}

// String implements pflag.Value.
func (s *ByteSize) String() string {
	if *s == 0 {
		return "0"
	}
	return bytefmt.ByteSize(uint64(*s))
}

// Type implements pflag.Value.
func (*ByteSize) Type() string { return "bytes" }
