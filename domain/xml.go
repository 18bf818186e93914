// SPDX-License-Identifier: LGPL-3.0-or-later

package domain

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/pawitp/libvirt/errdefs"
)

// ParseFlags controls leniency of Parse. Reserved for callers that need to
// accept partially-populated XML (e.g. migration's incoming definition,
// which may omit fields the destination fills in itself); zero value is
// strict.
type ParseFlags uint

const (
	ParseStrict ParseFlags = 0
	ParseInactive ParseFlags = 1 << iota
)

// Parse decodes domain XML into a Definition and validates it. This is the
// facade the rest of the driver is written against; it is the only place
// encoding/xml is imported outside of this package.
func Parse(data []byte, flags ParseFlags) (*Definition, error) {
	var def Definition
	dec := xml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&def); err != nil {
		return nil, errdefs.InvalidDomain(fmt.Errorf("parse domain xml: %w", err))
	}
	if flags&ParseInactive == 0 {
		if err := def.Validate(); err != nil {
			return nil, errdefs.InvalidDomain(err)
		}
	}
	return &def, nil
}

// Format serializes a Definition back to domain XML, indented the same way
// on every call so round-tripped configs are byte-stable in the registry's
// config directory.
func Format(def *Definition) ([]byte, error) {
	out, err := xml.MarshalIndent(def, "", "  ")
	if err != nil {
		return nil, errdefs.Internal(fmt.Errorf("format domain xml: %w", err))
	}
	return append([]byte(xml.Header), out...), nil
}
