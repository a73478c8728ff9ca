// SPDX-License-Identifier: MIT

package gerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromErrorFlattensWrapped(t *testing.T) {
	root := errors.New("connection refused")
	mid := fmt.Errorf("dial upstream: %w", root)
	top := fmt.Errorf("provision session: %w", mid)

	got := FromError(top)
	assert.Equal(t, Chain{"provision session", "dial upstream", "connection refused"}, got)
}

func TestFromErrorNil(t *testing.T) {
	assert.Nil(t, FromError(nil))
}

func TestWrapAppendsNestedChain(t *testing.T) {
	inner := Chain{"driver exited", "signal: killed"}
	wrapped := Wrap("startup failed", inner.Err())
	assert.Equal(t, Chain{"startup failed", "driver exited", "signal: killed"}, wrapped)
}

func TestFlattenIsIdempotent(t *testing.T) {
	c := Chain{"a", "b", "c"}
	assert.Equal(t, c, c.Flatten())
	assert.Equal(t, c.Flatten(), c.Flatten().Flatten())
}

func TestStacktrace(t *testing.T) {
	c := Chain{"no provisioner matched", "timeout after 60s"}
	assert.Equal(t, "no provisioner matched\ntimeout after 60s", c.Stacktrace())
}

func TestErrRoundTrip(t *testing.T) {
	c := Chain{"a", "b"}
	assert.Equal(t, c, FromError(c.Err()))
	assert.Nil(t, Chain(nil).Err())
}

func TestRoot(t *testing.T) {
	assert.Equal(t, "boom", Chain{"boom", "cause"}.Root())
	assert.Equal(t, "", Chain{}.Root())
}
