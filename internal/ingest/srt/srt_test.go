package srt

import (
	"context"
	"errors"
	"testing"

	"github.com/zsiec/h264feed/internal/ingest"
)

func TestExtractStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := extractStreamKey(tc.streamID); got != tc.want {
				t.Errorf("extractStreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestPullRequestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     PullRequest
		wantErr bool
	}{
		{"complete", PullRequest{Address: "10.0.0.1:9000", StreamKey: "cam"}, false},
		{"missing address", PullRequest{StreamKey: "cam"}, true},
		{"missing key", PullRequest{Address: "10.0.0.1:9000"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.req.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestCallerRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)
	if err := c.Pull(context.Background(), PullRequest{StreamKey: "cam"}); err == nil {
		t.Fatal("Pull without address succeeded")
	}
	if len(c.ActivePulls()) != 0 {
		t.Fatal("failed pull left an active entry")
	}
}

func TestCallerStopUnknown(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), nil)
	if err := c.Stop("nope"); !errors.Is(err, ErrNoPull) {
		t.Fatalf("Stop = %v, want ErrNoPull", err)
	}
}
