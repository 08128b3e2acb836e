package model

import "testing"

func TestInferKind(t *testing.T) {
	cases := []struct {
		resource string
		want     ResourceKind
	}{
		{"magnet:?xt=urn:btih:abcdef0123456789", KindBitTorrent},
		{"MAGNET:?xt=urn:btih:abcdef0123456789", KindBitTorrent},
		{"https://example.com/file.torrent", KindBitTorrent},
		{"https://example.com/file.torrent?auth=x", KindBitTorrent},
		{"https://example.com/video.mkv", KindHTTPFTP},
		{"ftp://mirror.example.org/iso/distro.iso", KindHTTPFTP},
		{"https://example.com/path", KindHTTPFTP},
	}
	for _, tc := range cases {
		if got := InferKind(tc.resource); got != tc.want {
			t.Errorf("InferKind(%q) = %s, want %s", tc.resource, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []JobState{StateCompleted, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	active := []JobState{StatePending, StateResolving, StateActive, StatePostProcessing}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestValidTransition(t *testing.T) {
	allowed := []struct{ from, to JobState }{
		{StatePending, StateResolving},
		{StatePending, StateCancelled},
		{StateResolving, StateActive},
		{StateResolving, StateFailed},
		{StateResolving, StateCancelled},
		{StateActive, StatePostProcessing},
		{StateActive, StateResolving}, // mid-transfer retry
		{StateActive, StateFailed},
		{StateActive, StateCancelled},
		{StatePostProcessing, StateCompleted},
		{StatePostProcessing, StateFailed},
		{StatePostProcessing, StateCancelled},
	}
	for _, tr := range allowed {
		if !ValidTransition(tr.from, tr.to) {
			t.Errorf("transition %s -> %s should be allowed", tr.from, tr.to)
		}
	}

	denied := []struct{ from, to JobState }{
		{StatePending, StateActive},
		{StatePending, StateCompleted},
		{StateResolving, StateCompleted},
		{StateActive, StateCompleted},
		{StateCompleted, StatePending},
		{StateFailed, StateActive},
		{StateCancelled, StateResolving},
	}
	for _, tr := range denied {
		if ValidTransition(tr.from, tr.to) {
			t.Errorf("transition %s -> %s should be rejected", tr.from, tr.to)
		}
	}
}
