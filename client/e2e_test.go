package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"driftboard/internal/protocol"
	"driftboard/internal/ws"
)

func startRelay(t *testing.T) string {
	t.Helper()

	hub := ws.NewHub(nil)
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func connectCore(t *testing.T, url, id, name string) *Core {
	t.Helper()
	core := NewCore(url, protocol.User{ID: id, Name: name})
	require.NoError(t, core.Connect(context.Background()))
	t.Cleanup(core.Disconnect)
	return core
}

func TestCanvasConvergesAcrossClients(t *testing.T) {
	url := startRelay(t)

	alice := connectCore(t, url, "user-a", "Alice")
	bob := connectCore(t, url, "user-b", "Bob")

	cvA := NewCanvas(alice, 100, 100)
	cvB := NewCanvas(bob, 100, 100)
	require.True(t, cvA.Join("canvas", "default"))
	require.True(t, cvB.Join("canvas", "default"))

	// Wait for both memberships before drawing.
	require.Eventually(t, func() bool {
		return len(alice.ActiveUsers()) == 2 && len(bob.ActiveUsers()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cvA.PointerDown(10, 10)
	cvA.PointerMove(80, 80)
	cvA.PointerUp()

	require.Eventually(t, func() bool {
		return len(cvB.Strokes()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, cvA.Strokes(), cvB.Strokes())
	assert.True(t, imagesEqual(t, cvA.Image(), cvB.Image()),
		"both participants must render identical surfaces")
}

func TestLateJoinerReceivesSnapshot(t *testing.T) {
	url := startRelay(t)

	alice := connectCore(t, url, "user-a", "Alice")
	cvA := NewCanvas(alice, 100, 100)
	require.True(t, cvA.Join("canvas", "default"))

	cvA.PointerDown(20, 20)
	cvA.PointerMove(60, 40)
	cvA.PointerUp()
	cvA.PointerDown(30, 70)
	cvA.PointerMove(50, 70)
	cvA.PointerUp()

	// Give the relay time to fold the strokes into the room log.
	time.Sleep(100 * time.Millisecond)

	bob := connectCore(t, url, "user-b", "Bob")
	cvB := NewCanvas(bob, 100, 100)
	require.True(t, cvB.Join("canvas", "default"))

	require.Eventually(t, func() bool {
		return len(cvB.Strokes()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, cvA.Strokes(), cvB.Strokes())
	assert.True(t, imagesEqual(t, cvA.Image(), cvB.Image()),
		"replaying the snapshot must reproduce the live surface")
}

func TestClearPropagates(t *testing.T) {
	url := startRelay(t)

	alice := connectCore(t, url, "user-a", "Alice")
	bob := connectCore(t, url, "user-b", "Bob")

	cvA := NewCanvas(alice, 100, 100)
	cvB := NewCanvas(bob, 100, 100)
	require.True(t, cvA.Join("canvas", "default"))
	require.True(t, cvB.Join("canvas", "default"))
	require.Eventually(t, func() bool {
		return len(alice.ActiveUsers()) == 2 && len(bob.ActiveUsers()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cvA.PointerDown(10, 10)
	cvA.PointerMove(20, 20)
	cvA.PointerUp()
	require.Eventually(t, func() bool { return len(cvB.Strokes()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cvB.Clear()
	require.Eventually(t, func() bool { return len(cvA.Strokes()) == 0 }, 2*time.Second, 10*time.Millisecond)

	// Strokes after the clear land on the emptied log everywhere.
	cvA.PointerDown(50, 50)
	cvA.PointerMove(60, 50)
	cvA.PointerUp()
	require.Eventually(t, func() bool { return len(cvB.Strokes()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 50.0, cvB.Strokes()[0].Points[0].X)
}

func TestScratchpadConvergesWithoutEchoStorm(t *testing.T) {
	url := startRelay(t)

	alice := connectCore(t, url, "user-a", "Alice")
	bob := connectCore(t, url, "user-b", "Bob")

	spA := NewScratchpad(alice)
	spB := NewScratchpad(bob)
	t.Cleanup(spA.Close)
	t.Cleanup(spB.Close)
	require.True(t, spA.Join("scratchpad", "default"))
	require.True(t, spB.Join("scratchpad", "default"))
	require.Eventually(t, func() bool {
		return len(alice.ActiveUsers()) == 2 && len(bob.ActiveUsers()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	spA.Edit("hello from alice")

	require.Eventually(t, func() bool {
		return spB.Content() == "hello from alice"
	}, 2*time.Second, 10*time.Millisecond)

	// Bob's editor echoes the applied content through its change handler;
	// suppression must keep it from bouncing back to Alice as a new change.
	spB.Edit("hello from alice")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "hello from alice", spA.Content())

	// A real edit by Bob still propagates.
	spB.Edit("hello from alice and bob")
	require.Eventually(t, func() bool {
		return spA.Content() == "hello from alice and bob"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionCatalogRoundTrip(t *testing.T) {
	url := startRelay(t)
	alice := connectCore(t, url, "user-a", "Alice")

	created := make(chan protocol.SessionCreatedData, 1)
	alice.Bus().On(protocol.TypeSessionCreated, func(ev Event) {
		var data protocol.SessionCreatedData
		if err := protocol.DecodeData(protocol.Envelope{Data: ev.Data}, &data); err == nil {
			created <- data
		}
	})
	listed := make(chan protocol.SessionsListData, 1)
	alice.Bus().On(protocol.TypeSessionsList, func(ev Event) {
		var data protocol.SessionsListData
		if err := protocol.DecodeData(protocol.Envelope{Data: ev.Data}, &data); err == nil {
			listed <- data
		}
	})

	require.True(t, alice.CreateSession(protocol.RoomCanvas, "sketch"))
	select {
	case data := <-created:
		assert.True(t, strings.HasPrefix(data.SessionID, "sketch_"))
	case <-time.After(2 * time.Second):
		t.Fatal("session_created never arrived")
	}

	require.True(t, alice.RequestSessions())
	select {
	case <-listed:
	case <-time.After(2 * time.Second):
		t.Fatal("sessions_list never arrived")
	}
}

func TestRegistrationColorsFollowPalette(t *testing.T) {
	url := startRelay(t)

	alice := connectCore(t, url, "user-a", "Alice")
	bob := connectCore(t, url, "user-b", "Bob")

	assert.NotEmpty(t, alice.User.Color)
	assert.NotEmpty(t, bob.User.Color)
	assert.NotEqual(t, alice.User.Color, bob.User.Color)
}
