package chat

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crowdlink/go-mesh-node/internal/model"
)

func TestAddChatAssignsIDs(t *testing.T) {
	l := New(0)
	a := l.AddChat(model.ChatMessage{Text: "hello"})
	b := l.AddChat(model.ChatMessage{ID: "fixed", Text: "again"})

	require.NotEmpty(t, a.ID)
	require.Equal(t, "fixed", b.ID)
	require.Equal(t, []model.ChatMessage{a, b}, l.Messages())
}

func TestLogIsBounded(t *testing.T) {
	l := New(3)
	for i := 0; i < 5; i++ {
		l.AddChat(model.ChatMessage{Text: fmt.Sprintf("m%d", i)})
		l.AddPanic(model.PanicAlert{Message: fmt.Sprintf("p%d", i), Timestamp: time.Unix(int64(i), 0)})
	}

	msgs := l.Messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "m2", msgs[0].Text)
	require.Equal(t, "m4", msgs[2].Text)

	panics := l.Panics()
	require.Len(t, panics, 3)
	require.Equal(t, "p2", panics[0].Message)
}

func TestSnapshotsAreCopies(t *testing.T) {
	l := New(10)
	l.AddChat(model.ChatMessage{Text: "original"})
	msgs := l.Messages()
	msgs[0].Text = "changed"
	require.Equal(t, "original", l.Messages()[0].Text)

	l.Reset()
	require.Empty(t, l.Messages())
	require.Empty(t, l.Panics())
}
