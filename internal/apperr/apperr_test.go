package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("handler: %w", Classify("invoke", base))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindClassify, kind)
	assert.True(t, IsClassify(err))
	assert.False(t, IsProvision(err))
	assert.ErrorIs(t, err, base)
}

func TestKindOfPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
	assert.False(t, IsProvision(nil))
}

func TestMissingArtifactsUnwrapsCauses(t *testing.T) {
	netErr := errors.New("connection reset")
	missing := &MissingArtifactsError{
		Names:  []string{"model.safetensors"},
		Causes: map[string]error{"model.safetensors": netErr},
	}
	err := Provision("ensure ready", missing, missing.Names...)

	assert.ErrorIs(t, err, netErr)
	var target *MissingArtifactsError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, []string{"model.safetensors"}, target.Names)
	assert.Equal(t, "provision ensure ready [model.safetensors]: missing artifacts: model.safetensors (connection reset)", err.Error())
}
