package merge

import (
	"testing"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeText(t *testing.T, doc *automerge.Doc, s string) {
	t.Helper()
	require.NoError(t, doc.Path(ContentPath).Text().Append(s))
	_, err := doc.Commit("edit", automerge.CommitOptions{AllowEmpty: true})
	require.NoError(t, err)
}

func TestAutomergeApplyRemoteFiresOnChange(t *testing.T) {
	client := automerge.New()
	writeText(t, client, "milk")

	doc := NewAutomerge()
	var changes int
	doc.OnChange(func() { changes++ })

	require.NoError(t, doc.ApplyRemote(client.SaveIncremental()))
	assert.Equal(t, 1, changes)
	assert.Equal(t, "milk", doc.Text())
	assert.NotEmpty(t, doc.EncodeDelta())
	assert.Empty(t, doc.EncodeDelta())

	// Re-applying the same changes does not move the heads.
	require.NoError(t, doc.ApplyRemote(client.Save()))
	assert.Equal(t, 1, changes)
}

func TestAutomergeSnapshotRoundTrip(t *testing.T) {
	client := automerge.New()
	writeText(t, client, "eggs")

	doc := NewAutomerge()
	require.NoError(t, doc.ApplyRemote(client.SaveIncremental()))

	restored := NewAutomerge()
	require.NoError(t, restored.Merge(doc.Save()))
	assert.Equal(t, "eggs", restored.Text())
	require.NoError(t, restored.Merge(nil))
}

func TestAutomergeSessionsConverge(t *testing.T) {
	server := NewAutomerge()
	serverSession := server.NewSession()

	client := automerge.New()
	writeText(t, client, "bread")
	clientState := automerge.NewSyncState(client)

	for i := 0; i < 10; i++ {
		moved := false
		if msg := serverSession.Generate(); msg != nil {
			_, err := clientState.ReceiveMessage(msg)
			require.NoError(t, err)
			moved = true
		}
		if msg, valid := clientState.GenerateMessage(); valid {
			require.NoError(t, serverSession.Receive(msg.Bytes()))
			moved = true
		}
		if !moved {
			break
		}
	}
	assert.Equal(t, "bread", server.Text())
}
