package specialist

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"Sentinel-Orchestrator/internal/envelope"
	"Sentinel-Orchestrator/internal/identity"
)

func newCodec(t *testing.T, agentID string, ring *identity.Keyring) *envelope.Codec {
	t.Helper()
	id, err := identity.Generate(agentID)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	if err := ring.RegisterIdentity(id); err != nil {
		t.Fatalf("register identity: %v", err)
	}
	codec, err := envelope.NewCodec(id, ring, envelope.ModeProduction)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return codec
}

func scanServer(t *testing.T, codec *envelope.Codec, spec Specialist) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ScanPath+spec.Name() {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		req, err := envelope.Decode(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var resp envelope.Envelope
		if _, err := codec.Authenticate(req); err != nil {
			resp, _ = codec.Sign(envelope.TypeError, map[string]any{"status": "ERROR", "error": err.Error()}, req.FromID)
		} else {
			subject, scanCtx := ParseScanRequest(req)
			payload, _ := Invoke(r.Context(), spec, subject, scanCtx).Payload()
			resp, _ = codec.Sign(envelope.TypeResponse, payload, req.FromID)
		}
		data, _ := envelope.Encode(resp)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}))
}

func TestRemoteScan(t *testing.T) {
	ring := identity.NewKeyring()
	client := newCodec(t, "did:test:coordinator", ring)
	server := newCodec(t, "did:test:tip", ring)

	srv := scanServer(t, server, NewTipDivergence(stubTips{height: 100}))
	defer srv.Close()

	remote, err := NewRemote("tip_divergence", srv.URL, "did:test:tip", client, srv.Client(), time.Second)
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	res := remote.Scan(context.Background(), "", map[string]any{"observed_height": 50})
	if !res.Success || res.Risk != 0.9 || res.Specialist != "tip_divergence" {
		t.Fatalf("unexpected remote result: %+v", res)
	}
}

func TestRemoteRejectedByPeer(t *testing.T) {
	clientRing := identity.NewKeyring()
	serverRing := identity.NewKeyring()
	client := newCodec(t, "did:test:coordinator", clientRing)
	server := newCodec(t, "did:test:tip", serverRing)
	if err := clientRing.RegisterBase64("did:test:tip", server.PublicKeyBase64()); err != nil {
		t.Fatalf("register: %v", err)
	}

	srv := scanServer(t, server, NewTipDivergence(stubTips{height: 100}))
	defer srv.Close()

	remote, err := NewRemote("tip_divergence", srv.URL, "", client, srv.Client(), time.Second)
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	res := remote.Scan(context.Background(), "", map[string]any{"observed_height": 50})
	if res.Success || res.Risk != FailureRisk {
		t.Fatalf("expected failure when the peer rejects the caller: %+v", res)
	}
}

func TestRemoteUnreachable(t *testing.T) {
	client := newCodec(t, "did:test:coordinator", identity.NewKeyring())
	remote, err := NewRemote("replay_detector", "http://127.0.0.1:1", "", client, nil, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("new remote: %v", err)
	}
	res := remote.Scan(context.Background(), "addr", nil)
	if res.Success || res.Risk != FailureRisk {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestNewRemoteValidatesURL(t *testing.T) {
	client := newCodec(t, "did:test:coordinator", identity.NewKeyring())
	if _, err := NewRemote("x", "not a url", "", client, nil, 0); err == nil {
		t.Fatalf("expected invalid url error")
	}
}
