package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zsiec/h264feed/internal/certs"
	"github.com/zsiec/h264feed/internal/ingest"
	"github.com/zsiec/h264feed/internal/pipeline"
)

func newTestServer(t *testing.T, mutate func(*ServerConfig)) *Server {
	t.Helper()
	cert, err := certs.Generate(certs.Options{Validity: 24 * time.Hour})
	if err != nil {
		t.Fatalf("certs.Generate: %v", err)
	}
	cfg := ServerConfig{
		Addr:           "127.0.0.1:0",
		QUICIngestAddr: ":4445",
		Cert:           cert,
		StreamLister: func() []StreamInfo {
			return []StreamInfo{
				{Key: "stream1", State: "running", Frames: 10},
				{Key: "stream2", State: "uninitialized"},
			}
		},
		StreamLookup: func(key string) (StreamDetail, bool) {
			if key != "stream1" {
				return StreamDetail{}, false
			}
			return StreamDetail{
				Stream: pipeline.Snapshot{Key: key, Protocol: ingest.ProtocolSRT, ChunksRead: 4},
				Ingest: &ingest.Stats{Protocol: ingest.ProtocolSRT, BytesReceived: 1024},
			}, true
		},
		SRTList: func() []SRTPullInfo { return nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func serve(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServerRequiresCert(t *testing.T) {
	t.Parallel()
	if _, err := NewServer(ServerConfig{Addr: ":0"}); err == nil {
		t.Fatal("NewServer without a certificate succeeded")
	}
}

func TestHandleListStreams(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(t, nil), "GET", "/api/streams", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q, want *", got)
	}

	var streams []StreamInfo
	if err := json.NewDecoder(rec.Body).Decode(&streams); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(streams) != 2 {
		t.Fatalf("got %d streams, want 2", len(streams))
	}
	if streams[0].Key != "stream1" || streams[0].Frames != 10 {
		t.Errorf("streams[0] = %+v", streams[0])
	}
}

func TestHandleListStreamsEmpty(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(c *ServerConfig) { c.StreamLister = nil })
	rec := serve(srv, "GET", "/api/streams", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("body = %q, want []", body)
	}
}

func TestHandleStreamDetail(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)

	rec := serve(srv, "GET", "/api/streams/stream1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var detail StreamDetail
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Stream.Key != "stream1" || detail.Stream.ChunksRead != 4 {
		t.Errorf("stream = %+v", detail.Stream)
	}
	if detail.Ingest == nil || detail.Ingest.BytesReceived != 1024 {
		t.Errorf("ingest = %+v", detail.Ingest)
	}

	rec = serve(srv, "GET", "/api/streams/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing stream status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleStreamRelease(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		release  StreamRelease
		wantCode int
	}{
		{"released", func(string) (bool, error) { return true, nil }, http.StatusOK},
		{"missing", func(string) (bool, error) { return false, nil }, http.StatusNotFound},
		{"teardown error", func(string) (bool, error) { return true, errors.New("device stuck") }, http.StatusInternalServerError},
		{"unconfigured", nil, http.StatusNotImplemented},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var gotKey string
			srv := newTestServer(t, func(c *ServerConfig) {
				c.StreamRelease = nil
				if tc.release != nil {
					c.StreamRelease = func(key string) (bool, error) {
						gotKey = key
						return tc.release(key)
					}
				}
			})
			rec := serve(srv, "DELETE", "/api/streams/cam1", "")
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantCode)
			}
			if tc.release != nil && gotKey != "cam1" {
				t.Fatalf("released key = %q, want cam1", gotKey)
			}
		})
	}
}

func TestHandleCertHash(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)

	rec := serve(srv, "GET", "/api/cert-hash", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp certHashResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Hash != srv.config.Cert.FingerprintBase64() {
		t.Errorf("hash = %q, want %q", resp.Hash, srv.config.Cert.FingerprintBase64())
	}
	if resp.Addr != ":4445" {
		t.Errorf("addr = %q, want :4445", resp.Addr)
	}
}

func TestHandleSRTPullOptions(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(t, nil), "OPTIONS", "/api/srt-pull", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("Allow-Methods = %q", got)
	}
}

func TestHandleSRTPullList(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(c *ServerConfig) {
		c.SRTList = func() []SRTPullInfo {
			return []SRTPullInfo{{Address: "10.0.0.1:6000", StreamKey: "remote"}}
		}
	})
	rec := serve(srv, "GET", "/api/srt-pull", "")
	var pulls []SRTPullInfo
	if err := json.NewDecoder(rec.Body).Decode(&pulls); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pulls) != 1 || pulls[0].StreamKey != "remote" {
		t.Fatalf("pulls = %+v", pulls)
	}

	rec = serve(newTestServer(t, nil), "GET", "/api/srt-pull", "")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("empty body = %q, want []", body)
	}
}

func TestHandleSRTPullCreate(t *testing.T) {
	t.Parallel()

	var got [3]string
	srv := newTestServer(t, func(c *ServerConfig) {
		c.SRTPull = func(address, key, id string) error {
			if key == "busy" {
				return errors.New("pull already active")
			}
			got = [3]string{address, key, id}
			return nil
		}
	})

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"ok", `{"address":"10.0.0.1:6000","streamKey":"remote","streamId":"live/remote"}`, http.StatusCreated},
		{"bad json", `{`, http.StatusBadRequest},
		{"missing key", `{"address":"10.0.0.1:6000"}`, http.StatusBadRequest},
		{"conflict", `{"address":"10.0.0.1:6000","streamKey":"busy"}`, http.StatusConflict},
	}
	for _, tc := range tests {
		rec := serve(srv, "POST", "/api/srt-pull", tc.body)
		if rec.Code != tc.wantCode {
			t.Errorf("%s: status = %d, want %d", tc.name, rec.Code, tc.wantCode)
		}
	}
	if got != [3]string{"10.0.0.1:6000", "remote", "live/remote"} {
		t.Fatalf("SRTPull args = %v", got)
	}

	rec := serve(newTestServer(t, nil), "POST", "/api/srt-pull", `{"address":"a","streamKey":"b"}`)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("unconfigured status = %d, want %d", rec.Code, http.StatusNotImplemented)
	}
}

func TestHandleSRTPullStop(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(c *ServerConfig) {
		c.SRTStop = func(key string) error {
			if key != "remote" {
				return errors.New("no active pull")
			}
			return nil
		}
	})

	if rec := serve(srv, "DELETE", "/api/srt-pull", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing key status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if rec := serve(srv, "DELETE", "/api/srt-pull?streamKey=other", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown key status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec := serve(srv, "DELETE", "/api/srt-pull?streamKey=remote", ""); rec.Code != http.StatusOK {
		t.Errorf("stop status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(t, nil), "PUT", "/api/streams", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, func(c *ServerConfig) { c.HTTP3 = true })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start = %v, want nil after cancel", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
