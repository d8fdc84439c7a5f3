package presence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func update(changes ...Change) []byte { return Encode(changes) }

func state(s string) json.RawMessage { return json.RawMessage(s) }

func TestApplyReturnsOnlyChangedEntries(t *testing.T) {
	m := NewMap()

	out, err := m.Apply(update(
		Change{ClientID: 1, Clock: 1, State: state(`{"user":"a"}`)},
		Change{ClientID: 2, Clock: 1, State: state(`{"user":"b"}`)},
	), "conn-a")
	require.NoError(t, err)
	changed, err := Decode(out)
	require.NoError(t, err)
	assert.Len(t, changed, 2)
	assert.Equal(t, 2, m.Len())

	// Same clock for client 1 is stale, client 2 moves forward.
	out, err = m.Apply(update(
		Change{ClientID: 1, Clock: 1, State: state(`{"user":"a"}`)},
		Change{ClientID: 2, Clock: 2, State: state(`{"user":"b","cursor":3}`)},
	), "conn-a")
	require.NoError(t, err)
	changed, err = Decode(out)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.EqualValues(t, 2, changed[0].ClientID)
	assert.JSONEq(t, `{"user":"b","cursor":3}`, string(changed[0].State))
}

func TestApplyStaleUpdateIsNoop(t *testing.T) {
	m := NewMap()
	_, err := m.Apply(update(Change{ClientID: 9, Clock: 5, State: state(`{}`)}), "c")
	require.NoError(t, err)

	out, err := m.Apply(update(Change{ClientID: 9, Clock: 4, State: state(`{"x":1}`)}), "c")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestExplicitRemoval(t *testing.T) {
	m := NewMap()
	_, err := m.Apply(update(Change{ClientID: 3, Clock: 1, State: state(`{}`)}), "c")
	require.NoError(t, err)

	out, err := m.Apply(update(Change{ClientID: 3, Clock: 1}), "c")
	require.NoError(t, err)
	changed, err := Decode(out)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Nil(t, changed[0].State)
	assert.Zero(t, m.Len())
}

func TestRetractRemovesOwnedClients(t *testing.T) {
	m := NewMap()
	_, err := m.Apply(update(Change{ClientID: 1, Clock: 3, State: state(`{}`)}), "conn-a")
	require.NoError(t, err)
	_, err = m.Apply(update(Change{ClientID: 2, Clock: 1, State: state(`{}`)}), "conn-b")
	require.NoError(t, err)

	removed, err := Decode(m.Retract("conn-a"))
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.EqualValues(t, 1, removed[0].ClientID)
	assert.EqualValues(t, 4, removed[0].Clock)
	assert.Nil(t, removed[0].State)
	assert.Equal(t, 1, m.Len())

	assert.Nil(t, m.Retract("conn-a"))
}

func TestSnapshot(t *testing.T) {
	m := NewMap()
	_, err := m.Apply(update(
		Change{ClientID: 5, Clock: 1, State: state(`{"n":5}`)},
		Change{ClientID: 4, Clock: 2, State: state(`{"n":4}`)},
	), "c")
	require.NoError(t, err)

	all, err := Decode(m.Snapshot())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.EqualValues(t, 4, all[0].ClientID)
	assert.EqualValues(t, 5, all[1].ClientID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{1, 1, 1, 3, 'a', 'b', 'c'})
	assert.Error(t, err)

	_, err = Decode([]byte{200})
	assert.Error(t, err)
}
