package kestrel_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrel-io/kestrel"
)

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "platform", kestrel.KindPlatform.String())
	assert.Equal(t, "capability", kestrel.KindCapability.String())
	assert.Equal(t, "not registered", kestrel.KindNotRegistered.String())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &kestrel.Error{Kind: kestrel.KindPlatform, Op: "test", Code: cause}
	assert.ErrorIs(t, err, cause)
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := &kestrel.Error{Kind: kestrel.KindNotRegistered, Op: "deregister"}
	assert.Contains(t, err.Error(), "deregister")
	assert.Contains(t, err.Error(), "not registered")
}

func TestSentinelErrorsAreInvalidDescriptorAndCapability(t *testing.T) {
	assert.Equal(t, kestrel.KindInvalidDescriptor, kestrel.ErrDescriptorInvalid.Kind)
	assert.Equal(t, kestrel.KindCapability, kestrel.ErrUnsupportedPlatform.Kind)
}
