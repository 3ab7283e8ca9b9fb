package message

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeJSON(t *testing.T) {
	env := &Envelope{Kind: KindWorker, Type: "diagnostics.worker", Data: []byte(`{"prefix":">"}`)}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *env, decoded)
}

func TestNewFault(t *testing.T) {
	fault := NewFault(errors.New("boom"))

	assert.Equal(t, "boom", fault.Message)
	assert.Equal(t, "boom", fault.Error())
	assert.Equal(t, "*errors.fundamental", fault.Type)
	// pkg/errors values render their stack with %+v.
	assert.Contains(t, fault.Stack, "TestNewFault")
}
