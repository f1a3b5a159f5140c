// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package props resolves KMS properties by name.
//
// Property ids and enum values are assigned by the kernel driver and are not
// stable between drivers or even device resets. A Table is built from a static
// template of names once per object, and then answers "which id is FB_ID on this
// plane" or "which logical enum entry is this raw value" without string compares.
package props

import (
	"github.com/sirupsen/logrus"
)

// Enum is one symbolic enum value of a property
type Enum struct {
	Name  string
	Value uint64
	// Whether the hardware actually offers this value
	Valid bool
}

// Info describes one logical property and, once populated, its hardware id
type Info struct {
	Name string
	// Hardware property id, 0 if the object doesn't have the property
	ID    uint32
	Enums []Enum
}

// Table is a set of logical properties for one KMS object, indexed by the logical id
type Table []Info

// ObjectProperties are the raw property ids and current values of a KMS object
type ObjectProperties struct {
	IDs    []uint32
	Values []uint64
}

// Descriptor is what the kernel tells us about a single property id
type Descriptor struct {
	ID    uint32
	Name  string
	Enum  bool
	Enums []Enum
}

// Resolver looks up property metadata by hardware id.
// Implemented by the KMS device.
type Resolver interface {
	Describe(id uint32) (*Descriptor, error)
}

// New deep copies a template so that populating the result never touches it
func New(template []Info) Table {
	t := make(Table, len(template))
	for i, info := range template {
		t[i] = Info{Name: info.Name}
		if len(info.Enums) > 0 {
			t[i].Enums = make([]Enum, len(info.Enums))
			for j, e := range info.Enums {
				t[i].Enums[j] = Enum{Name: e.Name}
			}
		}
	}
	return t
}

// Populate resolves hardware ids (and enum values) for every property the object offers.
// Properties the table doesn't know are skipped, as are entries whose enum-ness
// doesn't match what the hardware reports.
func (t Table) Populate(obj ObjectProperties, resolver Resolver) {
	for _, propID := range obj.IDs {
		desc, err := resolver.Describe(propID)
		if err != nil || desc == nil {
			logrus.WithError(err).WithField("property", propID).Debugln("Skipping unreadable property")
			continue
		}
		idx := t.find(desc.Name)
		if idx < 0 {
			continue
		}
		info := &t[idx]

		wantsEnum := len(info.Enums) > 0
		if wantsEnum != desc.Enum {
			logrus.WithFields(logrus.Fields{
				"property":      desc.Name,
				"expected-enum": wantsEnum,
				"is-enum":       desc.Enum,
			}).Warnln("Property enum-ness doesn't match, ignoring it")
			continue
		}

		info.ID = desc.ID
		if !wantsEnum {
			continue
		}
		for i := range info.Enums {
			for _, hw := range desc.Enums {
				if hw.Name == info.Enums[i].Name {
					info.Enums[i].Value = hw.Value
					info.Enums[i].Valid = true
					break
				}
			}
		}
	}
}

func (t Table) find(name string) int {
	for i := range t {
		if t[i].Name == name {
			return i
		}
	}
	return -1
}

// Free forgets every resolved id and enum value.
// Safe to call repeatedly, the table can be populated again afterwards.
func (t Table) Free() {
	for i := range t {
		t[i].ID = 0
		for j := range t[i].Enums {
			t[i].Enums[j].Value = 0
			t[i].Enums[j].Valid = false
		}
	}
}

// Value reads the current value of this property out of obj.
// For enum properties the result is the index of the matching logical enum entry.
// def is returned if the property was never resolved, isn't in obj,
// or holds an enum value the table doesn't know.
func (info *Info) Value(obj ObjectProperties, def uint64) uint64 {
	if info.ID == 0 {
		return def
	}
	for i, id := range obj.IDs {
		if id != info.ID {
			continue
		}
		if i >= len(obj.Values) {
			return def
		}
		raw := obj.Values[i]
		if len(info.Enums) == 0 {
			return raw
		}
		for e := range info.Enums {
			if info.Enums[e].Valid && info.Enums[e].Value == raw {
				return uint64(e)
			}
		}
		return def
	}
	return def
}

// EnumValue returns the hardware value of logical enum entry idx
func (info *Info) EnumValue(idx int) (uint64, bool) {
	if idx < 0 || idx >= len(info.Enums) || !info.Enums[idx].Valid {
		return 0, false
	}
	return info.Enums[idx].Value, true
}
