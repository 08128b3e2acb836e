package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// fakeAria2 answers JSON-RPC calls with canned per-method results.
type fakeAria2 struct {
	results map[string]interface{}
	calls   []string
}

func (f *fakeAria2) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.calls = append(f.calls, req.Method)

		result, ok := f.results[req.Method]
		if !ok {
			json.NewEncoder(w).Encode(rpcResponse{
				Jsonrpc: "2.0", ID: req.ID,
				Error: &rpcError{Code: 1, Message: "method not stubbed"},
			})
			return
		}
		raw, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(rpcResponse{Jsonrpc: "2.0", ID: req.ID, Result: raw})
	}
}

func TestAria2StartReturnsGID(t *testing.T) {
	fake := &fakeAria2{results: map[string]interface{}{"aria2.addUri": "gid-123"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := NewAria2Adapter(srv.URL, "")
	h, err := a.Start(context.Background(), "https://example.com/file.iso", "/dl/file.iso", StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h != Handle("gid-123") {
		t.Errorf("handle = %q, want gid-123", h)
	}
}

func TestAria2StartEngineDownIsUnavailable(t *testing.T) {
	a := NewAria2Adapter("http://127.0.0.1:1/jsonrpc", "")
	_, err := a.Start(context.Background(), "https://example.com/f", "/dl/f", StartOptions{})
	if !errors.Is(err, ErrResourceUnavailable) {
		t.Errorf("err = %v, want ErrResourceUnavailable", err)
	}
}

func TestAria2PollProgress(t *testing.T) {
	fake := &fakeAria2{results: map[string]interface{}{
		"aria2.tellStatus": aria2Status{
			Status:          "active",
			TotalLength:     "1000",
			CompletedLength: "400",
			DownloadSpeed:   "100",
		},
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := NewAria2Adapter(srv.URL, "")
	st, err := a.Poll(context.Background(), "gid-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.Terminal != nil {
		t.Fatal("expected progress, got terminal")
	}
	if st.Progress.BytesDone != 400 || st.Progress.BytesTotal != 1000 {
		t.Errorf("progress = %d/%d", st.Progress.BytesDone, st.Progress.BytesTotal)
	}
	if st.Progress.ETASec != 6 {
		t.Errorf("eta = %d, want 6", st.Progress.ETASec)
	}
}

func TestAria2PollUnknownTotal(t *testing.T) {
	fake := &fakeAria2{results: map[string]interface{}{
		"aria2.tellStatus": aria2Status{Status: "active", CompletedLength: "42", TotalLength: "0"},
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := NewAria2Adapter(srv.URL, "")
	st, err := a.Poll(context.Background(), "gid-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.Progress.BytesTotal != -1 {
		t.Errorf("total = %d, want -1 for unsized stream", st.Progress.BytesTotal)
	}
	if st.Progress.ETASec != -1 {
		t.Errorf("eta = %d, want -1", st.Progress.ETASec)
	}
}

func TestAria2PollCompleteRenamesStagingFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "file.iso")
	if err := os.WriteFile(out+stagingSuffix, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	fake := &fakeAria2{results: map[string]interface{}{
		"aria2.addUri":     "gid-9",
		"aria2.tellStatus": aria2Status{Status: "complete", TotalLength: "4", CompletedLength: "4"},
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := NewAria2Adapter(srv.URL, "")
	h, err := a.Start(context.Background(), "https://example.com/file.iso", out, StartOptions{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	st, err := a.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.Terminal == nil || st.Terminal.State != TerminalCompleted {
		t.Fatalf("status = %+v, want completed", st)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("final output missing: %v", err)
	}
	if _, err := os.Stat(out + stagingSuffix); !os.IsNotExist(err) {
		t.Error("staging file should be gone")
	}

	// A second completed poll must not fail on the missing staging file.
	if _, err := a.Poll(context.Background(), h); err != nil {
		t.Errorf("repeat poll: %v", err)
	}
}

func TestAria2PollErrorIsTerminalFailure(t *testing.T) {
	fake := &fakeAria2{results: map[string]interface{}{
		"aria2.tellStatus": aria2Status{Status: "error", ErrorCode: "3", ErrorMessage: "resource not found"},
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := NewAria2Adapter(srv.URL, "")
	st, err := a.Poll(context.Background(), "gid-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.Terminal == nil || st.Terminal.State != TerminalFailed {
		t.Fatalf("status = %+v, want failed", st)
	}
	if st.Terminal.Reason == "" {
		t.Error("failure must carry a reason")
	}
	// Error code 3 is "resource not found"; retrying cannot fix it.
	if !st.Terminal.Permanent {
		t.Error("missing resource must be a permanent failure")
	}

	fake.results["aria2.tellStatus"] = aria2Status{Status: "error", ErrorCode: "1", ErrorMessage: "network trouble"}
	st, err = a.Poll(context.Background(), "gid-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.Terminal == nil || st.Terminal.Permanent {
		t.Errorf("status = %+v, network errors stay retryable", st)
	}
}

func TestAria2CancelIdempotent(t *testing.T) {
	fake := &fakeAria2{results: map[string]interface{}{"aria2.remove": "gid-1"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	a := NewAria2Adapter(srv.URL, "")
	if err := a.Cancel(context.Background(), "gid-1"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}

	// Engine now rejects the unknown GID; the adapter treats that as
	// already cancelled.
	fake.results = map[string]interface{}{}
	if err := a.Cancel(context.Background(), "gid-1"); err != nil {
		t.Errorf("second cancel: %v", err)
	}
}

func TestAria2SecretToken(t *testing.T) {
	var gotParams []interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotParams = req.Params
		raw, _ := json.Marshal("gid-1")
		json.NewEncoder(w).Encode(rpcResponse{Jsonrpc: "2.0", ID: req.ID, Result: raw})
	}))
	defer srv.Close()

	a := NewAria2Adapter(srv.URL, "s3cret")
	if _, err := a.Start(context.Background(), "https://example.com/f", "/dl/f", StartOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(gotParams) == 0 || gotParams[0] != "token:s3cret" {
		t.Errorf("params = %v, want token first", gotParams)
	}
}

func TestClassifyExitCode(t *testing.T) {
	for _, code := range []int{3, 4, 9} {
		if ClassifyExitCode(code) {
			t.Errorf("code %d should be permanent", code)
		}
	}
	for _, code := range []int{1, 2, 6} {
		if !ClassifyExitCode(code) {
			t.Errorf("code %d should be transient", code)
		}
	}
}
