package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stub struct{ acted bool }

func (s *stub) Query(context.Context, string, map[string]any) (Result, error) {
	return Result{Status: 200}, nil
}

func (s *stub) Act(context.Context, string, map[string]any, bool) (Result, error) {
	s.acted = true
	return Result{Status: 200}, nil
}

func TestRegistryQuerierHidesAct(t *testing.T) {
	r := NewRegistry()
	s := &stub{}
	r.Register("gmail", s)

	q, err := r.Querier("gmail")
	require.NoError(t, err)
	_, isActor := q.(Actor)
	assert.False(t, isActor)

	_, err = r.Lookup("slack")
	assert.Error(t, err)
	assert.Equal(t, []string{"gmail"}, r.Names())
}
