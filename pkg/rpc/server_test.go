package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/vmihailenco/msgpack/v5"
)

func startTestServer(t *testing.T) (*Server, zmq4.Socket) {
	t.Helper()

	d := newTestDispatcher(t, &stubBackend{}, BusyQueue)
	srv := NewServer("tcp://127.0.0.1:0", d)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(srv.Stop)

	client := zmq4.NewDealer(context.Background())
	if err := client.Dial("tcp://" + srv.socket.Addr().String()); err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return srv, client
}

func roundTrip(t *testing.T, client zmq4.Socket, req *Request) *Response {
	t.Helper()

	data, err := msgpack.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := client.Send(zmq4.NewMsg(data)); err != nil {
		t.Fatalf("send: %v", err)
	}

	msg, err := client.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	var resp Response
	if err := msgpack.Unmarshal(msg.Frames[0], &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return &resp
}

func TestServerPingRoundTrip(t *testing.T) {
	_, client := startTestServer(t)

	resp := roundTrip(t, client, &Request{ID: "cmd-1", Kind: KindPing})
	if !resp.OK {
		t.Fatalf("ping failed: %+v", resp.Failure)
	}
	if resp.ID != "cmd-1" {
		t.Errorf("response id = %q, want cmd-1", resp.ID)
	}
}

func TestServerCreateAndRedelivery(t *testing.T) {
	_, client := startTestServer(t)

	req := createRequest(t, "cmd-1", "k1")
	first := roundTrip(t, client, req)
	if !first.OK {
		t.Fatalf("create failed: %+v", first.Failure)
	}

	// Redelivery of the same command id replays the finished response.
	second := roundTrip(t, client, req)
	if !second.OK {
		t.Fatalf("redelivered create failed: %+v", second.Failure)
	}
	if second.ID != first.ID {
		t.Errorf("response ids differ: %q vs %q", first.ID, second.ID)
	}
}

func TestServerMalformedPayload(t *testing.T) {
	_, client := startTestServer(t)

	if err := client.Send(zmq4.NewMsg([]byte("not msgpack at all"))); err != nil {
		t.Fatalf("send: %v", err)
	}

	recvDone := make(chan *Response, 1)
	go func() {
		msg, err := client.Recv()
		if err != nil {
			return
		}
		var resp Response
		if msgpack.Unmarshal(msg.Frames[0], &resp) == nil {
			recvDone <- &resp
		}
	}()

	select {
	case resp := <-recvDone:
		if resp.OK || resp.Failure.Code != CodeInvalidArgument {
			t.Errorf("response = %+v, want invalid-argument", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response to malformed payload")
	}
}
