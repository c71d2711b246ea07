package serde

import (
	"bytes"
	"testing"

	"github.com/srg/blez/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Address string            `json:"address"`
	Name    string            `json:"name,omitempty"`
	RSSI    int16             `json:"rssi"`
	UUIDs   []string          `json:"uuids"`
	Extra   map[string]string `json:"extra,omitempty"`
}

func TestMarshalJSON_UsesJSONTags(t *testing.T) {
	data, err := MarshalJSON(sample{Address: "AA:BB:CC:DD:EE:FF", RSSI: -60, UUIDs: []string{"180f"}})
	require.NoError(t, err)

	testutils.NewJSONAsserter(t).WithOptions(testutils.WithIgnoreExtraKeys(false)).
		Assert(string(data), `{"address":"AA:BB:CC:DD:EE:FF","rssi":-60,"uuids":["180f"]}`)
}

func TestMarshalJSON_ResultIsNotShared(t *testing.T) {
	first, err := MarshalJSON(sample{Address: "first"})
	require.NoError(t, err)
	snapshot := string(first)

	_, err = MarshalJSON(sample{Address: "second-and-longer"})
	require.NoError(t, err)

	assert.Equal(t, snapshot, string(first), "MUST NOT alias the internal buffer")
}

func TestUnmarshalJSON(t *testing.T) {
	var out sample
	require.NoError(t, UnmarshalJSON([]byte(`{"address":"11:22:33:44:55:66","name":"Sensor","rssi":-70,"uuids":["180d"]}`), &out))

	assert.Equal(t, sample{Address: "11:22:33:44:55:66", Name: "Sensor", RSSI: -70, UUIDs: []string{"180d"}}, out)
	assert.Error(t, UnmarshalJSON([]byte(`{"address":`), &out))
}

func TestWriteJSON(t *testing.T) {
	var compact, indented bytes.Buffer
	v := sample{Address: "AA", UUIDs: []string{}, Extra: map[string]string{"b": "2", "a": "1"}}

	require.NoError(t, WriteJSON(&compact, v, false))
	require.NoError(t, WriteJSON(&indented, v, true))

	assert.True(t, bytes.HasSuffix(compact.Bytes(), []byte("\n")))
	assert.Equal(t, 1, bytes.Count(compact.Bytes(), []byte("\n")), "MUST keep compact output on one line")
	assert.Greater(t, bytes.Count(indented.Bytes(), []byte("\n")), 1, "MUST indent when asked")

	testutils.NewJSONAsserter(t).WithOptions(testutils.WithIgnoreExtraKeys(false)).
		Assert(compact.String(), `{"address":"AA","rssi":0,"uuids":[],"extra":{"a":"1","b":"2"}}`)
	testutils.NewJSONAsserter(t).Assert(indented.String(), compact.String())
}
