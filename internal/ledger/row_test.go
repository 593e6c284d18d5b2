package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNullableIDBindsEmptyAsNull(t *testing.T) {
	v, err := nullableID("").Value()
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = nullableID("8cf8125e-6e76-4c1a-9d9b-2a8e9f0b1c2d").Value()
	require.NoError(t, err)
	require.Equal(t, "8cf8125e-6e76-4c1a-9d9b-2a8e9f0b1c2d", v)
}

func TestNullableIDScansNullAsEmpty(t *testing.T) {
	var n nullableID
	require.NoError(t, n.Scan(nil))
	require.Empty(t, string(n))

	require.NoError(t, n.Scan([]byte("abc")))
	require.Equal(t, "abc", string(n))

	require.NoError(t, n.Scan("def"))
	require.Equal(t, "def", string(n))
}

func TestJSONColumnBindsEmptyAsNull(t *testing.T) {
	v, err := jsonColumn(nil).Value()
	require.NoError(t, err)
	require.Nil(t, v)

	v, err = jsonColumn(`{"a":1}`).Value()
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":1}`), v)
}

func TestJSONColumnScanCopiesBytes(t *testing.T) {
	src := []byte(`{"a":1}`)
	var j jsonColumn
	require.NoError(t, j.Scan(src))
	src[0] = 'X'
	require.Equal(t, json.RawMessage(`{"a":1}`), json.RawMessage(j))
}

func TestRecordRowRoundTrips(t *testing.T) {
	rec := newTestRecord()
	rec.ParentID = "22222222-2222-2222-2222-222222222222"
	rec.RelatedTo = []string{"a", "b"}
	rec.Input = json.RawMessage(`{"n":1}`)

	got := recordRowOf(rec).toRecord()
	require.Equal(t, *rec, got)
}
