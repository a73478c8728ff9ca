// SPDX-License-Identifier: MIT

// Package webdriver holds the W3C wire types shared across services:
// capability parsing for matching and the session create/error JSON
// shapes returned to clients.
package webdriver

import (
	"encoding/json"
	"fmt"
)

// Capabilities is one W3C capabilities object. Only the fields the
// grid matches on are typed; everything else passes through opaquely.
type Capabilities struct {
	BrowserName    string `json:"browserName,omitempty"`
	BrowserVersion string `json:"browserVersion,omitempty"`
}

// CapabilitiesRequest is the body value of POST /session.
type CapabilitiesRequest struct {
	AlwaysMatch Capabilities   `json:"alwaysMatch"`
	FirstMatch  []Capabilities `json:"firstMatch"`
}

// ParseRequirements parses a raw capabilities value into the list of
// acceptable alternatives: alwaysMatch merged with each firstMatch
// entry, or alwaysMatch alone when firstMatch is absent.
func ParseRequirements(raw json.RawMessage) ([]Capabilities, error) {
	if len(raw) == 0 {
		return []Capabilities{{}}, nil
	}
	var req CapabilitiesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		// A bare capabilities object without the W3C envelope is
		// accepted as a single alternative.
		var flat Capabilities
		if err2 := json.Unmarshal(raw, &flat); err2 != nil {
			return nil, fmt.Errorf("parse capabilities: %w", err)
		}
		return []Capabilities{flat}, nil
	}

	if len(req.FirstMatch) == 0 {
		// Tolerate flat objects that unmarshal into the envelope with
		// empty members.
		if req.AlwaysMatch == (Capabilities{}) {
			var flat Capabilities
			if err := json.Unmarshal(raw, &flat); err == nil && flat != (Capabilities{}) {
				return []Capabilities{flat}, nil
			}
		}
		return []Capabilities{req.AlwaysMatch}, nil
	}

	out := make([]Capabilities, 0, len(req.FirstMatch))
	for _, fm := range req.FirstMatch {
		merged := req.AlwaysMatch
		if fm.BrowserName != "" {
			merged.BrowserName = fm.BrowserName
		}
		if fm.BrowserVersion != "" {
			merged.BrowserVersion = fm.BrowserVersion
		}
		out = append(out, merged)
	}
	return out, nil
}

// Satisfies reports whether a browser identified by name/version can
// serve the requested alternative. Empty request fields match anything;
// a requested version matches any more specific offered version with
// the same prefix (requesting "120" accepts "120.0.6099").
func (c Capabilities) Satisfies(name, version string) bool {
	if c.BrowserName != "" && c.BrowserName != name {
		return false
	}
	if c.BrowserVersion != "" {
		if c.BrowserVersion != version && !hasVersionPrefix(version, c.BrowserVersion) {
			return false
		}
	}
	return true
}

func hasVersionPrefix(version, prefix string) bool {
	if len(version) <= len(prefix) {
		return false
	}
	return version[:len(prefix)] == prefix && version[len(prefix)] == '.'
}
