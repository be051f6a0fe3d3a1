package transport

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/sandia-minimega/busd/internal/message"
	"github.com/sandia-minimega/busd/internal/wire"
)

// clientHandshake drives the client side of the AUTH exchange directly over
// a net.Pipe, standing in for a real libdbus-style client.
func clientHandshake(t *testing.T, client net.Conn, uidHex string) {
	t.Helper()
	if _, err := client.Write([]byte{0}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Write([]byte("AUTH EXTERNAL " + uidHex + "\r\n")); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(client)
	line, err := readLine(br)
	if err != nil {
		t.Fatal(err)
	}
	if len(line) < 2 || line[:2] != "OK" {
		t.Fatalf("expected OK from server, got %q", line)
	}
	if _, err := client.Write([]byte("BEGIN\r\n")); err != nil {
		t.Fatal(err)
	}
}

func TestHandshakeAcceptsMatchingUID(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	tr := New(server, "test-guid", 1000)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Handshake()
		done <- err
	}()

	clientHandshake(t, client, "31303030") // hex("1000")

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake timed out")
	}
	if tr.Phase() != PhaseAuthenticated {
		t.Errorf("got phase %v want AUTHENTICATED", tr.Phase())
	}
}

func TestHandshakeRejectsUIDMismatch(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	tr := New(server, "test-guid", 1000)

	done := make(chan error, 1)
	go func() {
		_, err := tr.Handshake()
		done <- err
	}()

	client.Write([]byte{0})
	client.Write([]byte("AUTH EXTERNAL 31303031\r\n")) // hex("1001") != 1000
	br := bufio.NewReader(client)
	line, _ := readLine(br)
	if line != "REJECTED "+mechanismExternal {
		t.Errorf("got %q want REJECTED", line)
	}
	client.Close()
	<-done
}

func TestReadWriteMessageRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverTr := New(server, "g", 1000)
	clientTr := New(client, "g", 1000)

	done := make(chan error, 1)
	go func() {
		_, err := serverTr.Handshake()
		done <- err
	}()
	clientHandshake(t, client, "31303030")
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	clientTr.phase = PhaseAuthenticated

	m := message.New("org.example.Foo", "org.example.Bar")
	m.Serial = 1
	m.AppendArgs(wire.String("hi"))

	writeErr := make(chan error, 1)
	go func() { writeErr <- clientTr.WriteMessage(m) }()

	got, err := serverTr.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-writeErr; err != nil {
		t.Fatal(err)
	}

	if name, _ := got.Name(); name != "org.example.Foo" {
		t.Errorf("got name %q", name)
	}
	if len(got.Body) != 1 || !wire.Equal(got.Body[0], wire.String("hi")) {
		t.Errorf("body mismatch: %+v", got.Body)
	}
}

func TestClientHandshakeRoundTripsWithServerHandshake(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverTr := New(server, "g", 1000)
	clientTr := New(client, "g", 1000)

	done := make(chan error, 1)
	go func() {
		_, err := serverTr.Handshake()
		done <- err
	}()

	if err := clientTr.ClientHandshake(1000); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if clientTr.Phase() != PhaseAuthenticated || serverTr.Phase() != PhaseAuthenticated {
		t.Fatalf("got client phase %v server phase %v", clientTr.Phase(), serverTr.Phase())
	}
}

func TestClientHandshakeRejectedOnUIDMismatch(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	serverTr := New(server, "g", 1000)
	clientTr := New(client, "g", 1000)

	done := make(chan error, 1)
	go func() {
		_, err := serverTr.Handshake()
		done <- err
	}()

	if err := clientTr.ClientHandshake(1); err == nil {
		t.Fatal("expected ClientHandshake to fail on uid mismatch")
	}
	client.Close() // Handshake keeps reading after REJECTED until the stream closes
	<-done
}

func TestTrackingIDIsStableAndUnique(t *testing.T) {
	server1, client1 := net.Pipe()
	defer server1.Close()
	defer client1.Close()
	server2, client2 := net.Pipe()
	defer server2.Close()
	defer client2.Close()

	tr1 := New(server1, "g", 1000)
	tr2 := New(server2, "g", 1000)

	if tr1.TrackingID() == "" {
		t.Fatal("expected non-empty tracking id")
	}
	if tr1.TrackingID() != tr1.TrackingID() {
		t.Error("tracking id should be stable across calls")
	}
	if tr1.TrackingID() == tr2.TrackingID() {
		t.Error("distinct transports should get distinct tracking ids")
	}
}

func TestWriteMessageRejectsOverCap(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	tr := New(client, "g", 1000)
	tr.phase = PhaseAuthenticated
	tr.SetOutboundCap(4)

	m := message.New("org.example.Foo", "")
	m.Serial = 1
	m.AppendArgs(wire.String("this body is long enough to exceed the tiny cap"))

	if err := tr.WriteMessage(m); err == nil {
		t.Error("expected LimitsExceeded error")
	}
}
