// SPDX-License-Identifier: MIT

package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsergrid/browsergrid/internal/webdriver"
)

func TestParseImageSet(t *testing.T) {
	set, err := ParseImageSet("registry/node-chrome:120=chrome::120, registry/node-firefox:128=firefox::128.0")
	require.NoError(t, err)
	require.Len(t, set, 2)
	assert.Equal(t, Image{Reference: "registry/node-chrome:120", BrowserName: "chrome", BrowserVersion: "120"}, set[0])
	assert.Equal(t, "firefox", set[1].BrowserName)
}

func TestParseImageSetRejectsMalformedEntries(t *testing.T) {
	for _, raw := range []string{"", "node-chrome", "node-chrome=chrome", "=chrome::120"} {
		_, err := ParseImageSet(raw)
		assert.Error(t, err, "raw %q", raw)
	}
}

func TestImageSetMatch(t *testing.T) {
	set, err := ParseImageSet("img-c=chrome::120.0.6099,img-f=firefox::128.0")
	require.NoError(t, err)

	tests := []struct {
		name         string
		alternatives []webdriver.Capabilities
		wantRef      string
		wantOK       bool
	}{
		{"by name", []webdriver.Capabilities{{BrowserName: "firefox"}}, "img-f", true},
		{"version prefix", []webdriver.Capabilities{{BrowserName: "chrome", BrowserVersion: "120"}}, "img-c", true},
		{"empty request matches first image", []webdriver.Capabilities{{}}, "img-c", true},
		{"first alternative that matches", []webdriver.Capabilities{{BrowserName: "safari"}, {BrowserName: "firefox"}}, "img-f", true},
		{"no match", []webdriver.Capabilities{{BrowserName: "edge"}}, "", false},
		{"version mismatch", []webdriver.Capabilities{{BrowserName: "chrome", BrowserVersion: "121"}}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, ok := set.Match(tt.alternatives)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantRef, img.Reference)
		})
	}
}
