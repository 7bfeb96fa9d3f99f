package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsMapKeys(t *testing.T) {
	a, err := Marshal(map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"z": 1, "y": 2}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(a))
}

func TestUnmarshalNumber(t *testing.T) {
	var out map[string]interface{}
	require.NoError(t, UnmarshalNumber([]byte(`{"id": 9007199254740993}`), &out))
	assert.Equal(t, Number("9007199254740993"), out["id"])
}

func TestEncoderDoesNotEscapeHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(map[string]string{"q": "a<b"}))
	assert.Equal(t, "{\"q\":\"a<b\"}\n", buf.String())
}
