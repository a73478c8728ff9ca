// SPDX-License-Identifier: MIT

// Package orchestrator is the per-host controller: it answers match
// requests for browsers it can provision, admits sessions through a
// bounded permit pool backed by slot tokens, and reconciles its
// bookkeeping against the hardware.
package orchestrator

import (
	"fmt"
	"strings"

	"github.com/browsergrid/browsergrid/internal/webdriver"
)

// Image is one provisionable browser image.
type Image struct {
	Reference      string
	BrowserName    string
	BrowserVersion string
}

// ImageSet is the ordered list of images an orchestrator offers.
type ImageSet []Image

// ParseImageSet parses the --images flag value: comma-separated
// entries of the form "reference=browserName::browserVersion".
func ParseImageSet(raw string) (ImageSet, error) {
	var set ImageSet
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		ref, browser, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("image entry %q: expected reference=browser::version", entry)
		}
		name, version, ok := strings.Cut(browser, "::")
		if !ok || ref == "" || name == "" {
			return nil, fmt.Errorf("image entry %q: expected reference=browser::version", entry)
		}
		set = append(set, Image{
			Reference:      strings.TrimSpace(ref),
			BrowserName:    strings.TrimSpace(name),
			BrowserVersion: strings.TrimSpace(version),
		})
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("image set %q is empty", raw)
	}
	return set, nil
}

// Match returns the first image satisfying any of the requested
// capability alternatives.
func (s ImageSet) Match(alternatives []webdriver.Capabilities) (Image, bool) {
	for _, img := range s {
		for _, alt := range alternatives {
			if alt.Satisfies(img.BrowserName, img.BrowserVersion) {
				return img, true
			}
		}
	}
	return Image{}, false
}
