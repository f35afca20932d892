package driver

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapability_Has(t *testing.T) {
	caps := CapReader | CapWriter | CapMultipart

	assert.True(t, caps.Has(CapReader))
	assert.True(t, caps.Has(CapReader|CapWriter))
	assert.False(t, caps.Has(CapAtomic))
	assert.False(t, caps.Has(CapReader|CapAtomic))
}

func TestCapability_String(t *testing.T) {
	assert.Equal(t, "READER|WRITER", (CapReader | CapWriter).String())
	assert.Equal(t, "NONE", Capability(0).String())
	assert.Equal(t, "READER|WRITER|ATOMIC|PRESIGNED|DIRECT_LINK|MULTIPART|PROXY|SEARCH",
		(CapReader | CapWriter | CapAtomic | CapPresigned | CapDirectLink | CapMultipart | CapProxy | CapSearch).String())
}

func TestKindOf(t *testing.T) {
	base := E(KindNotFound, "local.stat", "/a", nil)

	assert.Equal(t, KindNotFound, KindOf(base))
	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("wrapped: %w", base)))
	assert.Equal(t, KindInternal, KindOf(errors.New("opaque")))
	assert.True(t, IsKind(base, KindNotFound))
	assert.False(t, IsKind(base, KindConflict))
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindUpstream, Op: "webdav.stat", Path: "/x", Status: 502, Err: errors.New("bad gateway")}

	msg := err.Error()
	assert.Contains(t, msg, "webdav.stat")
	assert.Contains(t, msg, "UPSTREAM")
	assert.Contains(t, msg, "502")
}

func TestPlanParts(t *testing.T) {
	assert.Equal(t, 2, PlanParts(8388608, 5242880))
	assert.Equal(t, 1, PlanParts(100, 100))
	assert.Equal(t, 1, PlanParts(99, 100))
	assert.Equal(t, 3, PlanParts(201, 100))
	assert.Equal(t, 1, PlanParts(0, 100))
	assert.Equal(t, 1, PlanParts(100, 0))
}
