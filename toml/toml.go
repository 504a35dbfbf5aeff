// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package toml holds wrapper types shared by the TOML configuration file
// and the command-line flags bound to the same fields.
package toml

import "time"

// Duration is a time.Duration that reads and writes Go duration syntax
// ("90s", "26h") in TOML documents. It also satisfies pflag's Value
// interface, so a config field can be registered as a flag directly.
type Duration time.Duration

// String formats the duration in Go duration syntax.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses Go duration syntax.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err == nil {
		*d = Duration(v)
	}
	return err
}

// MarshalText renders the duration in Go duration syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// MarshalTOML renders the duration as a TOML value.
func (d Duration) MarshalTOML() ([]byte, error) {
	return d.MarshalText()
}

// Set assigns the duration from a flag argument.
func (d *Duration) Set(value string) error {
	return d.UnmarshalText([]byte(value))
}

// Type reports the value's type name in flag help output.
func (Duration) Type() string { return "duration" }
