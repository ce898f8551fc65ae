package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSON_RawMessagePassthrough(t *testing.T) {
	type row struct {
		Payload json.RawMessage `json:"payload"`
		Seq     uint64          `json:"sequence"`
	}

	data, err := Marshal(row{Payload: json.RawMessage(`{"b":1,"a":[1,2]}`), Seq: 3})
	require.NoError(t, err)
	require.JSONEq(t, `{"payload":{"b":1,"a":[1,2]},"sequence":3}`, string(data))

	var out row
	require.NoError(t, Unmarshal(data, &out))
	require.Equal(t, `{"b":1,"a":[1,2]}`, string(out.Payload))
	require.Equal(t, uint64(3), out.Seq)
}

func TestValid(t *testing.T) {
	require.True(t, Valid([]byte(`"A"`)))
	require.True(t, Valid([]byte(`{"a":1}`)))
	require.False(t, Valid([]byte(`{"a":`)))
	require.False(t, Valid([]byte(`A`)))
}
