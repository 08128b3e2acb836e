package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/kalebavincent/dl-torrent/internal/model"
)

// stagingSuffix marks in-flight files so a crash mid-transfer leaves
// inspectable partial data instead of a file that looks complete.
const stagingSuffix = ".part"

// Aria2Adapter drives an aria2 daemon over its JSON-RPC interface for
// HTTP and FTP transfers.
type Aria2Adapter struct {
	endpoint string
	secret   string
	client   *http.Client

	mu      sync.Mutex
	outputs map[Handle]string // final output path per active handle
}

func NewAria2Adapter(endpoint, secret string) *Aria2Adapter {
	return &Aria2Adapter{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: 30 * time.Second},
		outputs:  make(map[Handle]string),
	}
}

func (a *Aria2Adapter) Kind() model.ResourceKind { return model.KindHTTPFTP }

type rpcRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	ID      string        `json:"id"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *Aria2Adapter) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	body, _ := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		Method:  method,
		ID:      "dl-torrent",
		Params:  params,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: aria2 rpc: %v", ErrResourceUnavailable, err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("aria2 http %d: %s", resp.StatusCode, string(b))
	}

	var rr rpcResponse
	if err := json.Unmarshal(b, &rr); err != nil {
		return nil, fmt.Errorf("aria2 rpc decode: %w", err)
	}
	if rr.Error != nil {
		return nil, fmt.Errorf("aria2 rpc error %d: %s", rr.Error.Code, rr.Error.Message)
	}
	return rr.Result, nil
}

// aria2 expects "token:<secret>" as the first parameter when a secret
// is configured.
func (a *Aria2Adapter) tokenParam() []interface{} {
	if a.secret != "" {
		return []interface{}{"token:" + a.secret}
	}
	return nil
}

// Start issues aria2.addUri, downloading to <output>.part in the output
// directory. The returned handle is the aria2 GID.
func (a *Aria2Adapter) Start(ctx context.Context, resource, outputPath string, opts StartOptions) (Handle, error) {
	params := make([]interface{}, 0, 3)
	params = append(params, a.tokenParam()...)
	params = append(params, []string{resource})
	params = append(params, map[string]string{
		"dir": filepath.Dir(outputPath),
		"out": filepath.Base(outputPath) + stagingSuffix,
	})

	res, err := a.call(ctx, "aria2.addUri", params)
	if err != nil {
		return "", err
	}
	var gid string
	if err := json.Unmarshal(res, &gid); err != nil {
		return "", fmt.Errorf("parse addUri result: %w", err)
	}

	h := Handle(gid)
	a.mu.Lock()
	a.outputs[h] = outputPath
	a.mu.Unlock()
	return h, nil
}

type aria2Status struct {
	Status          string `json:"status"`
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	ErrorCode       string `json:"errorCode"`
	ErrorMessage    string `json:"errorMessage"`
}

// Poll issues aria2.tellStatus. On completion the staged .part file is
// renamed to the requested output path.
func (a *Aria2Adapter) Poll(ctx context.Context, h Handle) (Status, error) {
	params := append(a.tokenParam(), string(h))
	res, err := a.call(ctx, "aria2.tellStatus", params)
	if err != nil {
		return Status{}, err
	}

	var st aria2Status
	if err := json.Unmarshal(res, &st); err != nil {
		return Status{}, fmt.Errorf("parse tellStatus result: %w", err)
	}

	switch st.Status {
	case "complete":
		if err := a.finalize(h); err != nil {
			return Status{}, NewPermanent("finalize output", err)
		}
		return Status{Terminal: &TerminalResult{State: TerminalCompleted}}, nil
	case "removed":
		a.forget(h)
		return Status{Terminal: &TerminalResult{State: TerminalCancelled}}, nil
	case "error":
		a.forget(h)
		reason := st.ErrorMessage
		if reason == "" {
			reason = "aria2 error " + st.ErrorCode
		}
		return Status{Terminal: &TerminalResult{
			State:     TerminalFailed,
			Reason:    reason,
			Permanent: !ClassifyExitCode(int(parseInt(st.ErrorCode))),
		}}, nil
	default:
		return Status{Progress: snapshotFrom(st)}, nil
	}
}

// Cancel issues aria2.remove. A missing GID is treated as already
// cancelled, keeping the call idempotent.
func (a *Aria2Adapter) Cancel(ctx context.Context, h Handle) error {
	params := append(a.tokenParam(), string(h))
	if _, err := a.call(ctx, "aria2.remove", params); err != nil {
		if a.known(h) {
			return err
		}
		return nil
	}
	a.forget(h)
	return nil
}

// ClassifyExitCode reports whether an aria2 exit/error code is worth
// retrying. Codes for missing resources, disk exhaustion, and format
// problems are permanent; everything else is assumed recoverable.
func ClassifyExitCode(code int) bool {
	switch code {
	case 3, 4, 9, 13, 16, 17, 18, 19, 21, 25:
		return false
	default:
		return true
	}
}

func (a *Aria2Adapter) finalize(h Handle) error {
	a.mu.Lock()
	out, ok := a.outputs[h]
	delete(a.outputs, h)
	a.mu.Unlock()
	if !ok {
		// Already finalized by an earlier poll.
		return nil
	}
	return os.Rename(out+stagingSuffix, out)
}

func (a *Aria2Adapter) forget(h Handle) {
	a.mu.Lock()
	delete(a.outputs, h)
	a.mu.Unlock()
}

func (a *Aria2Adapter) known(h Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.outputs[h]
	return ok
}

func snapshotFrom(st aria2Status) *model.ProgressSnapshot {
	done := parseInt(st.CompletedLength)
	total := parseInt(st.TotalLength)
	rate := parseInt(st.DownloadSpeed)
	if total == 0 {
		total = -1 // unsized stream
	}

	eta := int64(-1)
	if total > 0 && rate > 0 {
		eta = (total - done) / rate
	}
	return &model.ProgressSnapshot{
		BytesDone:  done,
		BytesTotal: total,
		Rate:       rate,
		ETASec:     eta,
		At:         time.Now(),
	}
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
