package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kalebavincent/dl-torrent/internal/model"
)

// qbUnknownETA is the sentinel qBittorrent reports when it has no
// estimate (100 days in seconds).
const qbUnknownETA = 8640000

// QBittorrentAdapter drives a qBittorrent daemon over its Web API v2.
// The handle is the torrent info-hash. Output paths are treated as the
// save directory; qBittorrent lays out torrent content inside it and
// keeps its own .!qB markers on incomplete files.
type QBittorrentAdapter struct {
	endpoint string
	username string
	password string
	client   *http.Client

	mu     sync.Mutex
	active map[Handle]struct{}
}

func NewQBittorrentAdapter(endpoint, username, password string) *QBittorrentAdapter {
	jar, _ := cookiejar.New(nil)
	return &QBittorrentAdapter{
		endpoint: strings.TrimRight(endpoint, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: 30 * time.Second, Jar: jar},
		active:   make(map[Handle]struct{}),
	}
}

func (q *QBittorrentAdapter) Kind() model.ResourceKind { return model.KindBitTorrent }

func (q *QBittorrentAdapter) login(ctx context.Context) error {
	form := url.Values{"username": {q.username}, "password": {q.password}}
	resp, err := q.postForm(ctx, "/api/v2/auth/login", form)
	if err != nil {
		return fmt.Errorf("%w: qbittorrent login: %v", ErrResourceUnavailable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) == "Fails." {
		return NewPermanent("qbittorrent auth rejected", nil)
	}
	return nil
}

func (q *QBittorrentAdapter) postForm(ctx context.Context, path string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.endpoint+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return q.client.Do(req)
}

// do runs a request and retries once after re-login when the session
// cookie has expired.
func (q *QBittorrentAdapter) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		var resp *http.Response
		var err error
		if method == http.MethodPost {
			resp, err = q.postForm(ctx, path, form)
		} else {
			target := q.endpoint + path
			if len(form) > 0 {
				target += "?" + form.Encode()
			}
			var req *http.Request
			req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return nil, err
			}
			resp, err = q.client.Do(req)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: qbittorrent: %v", ErrResourceUnavailable, err)
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusForbidden && attempt == 0 {
			if err := q.login(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("qbittorrent http %d: %s", resp.StatusCode, string(body))
		}
		return body, nil
	}
}

// InfoHashFromMagnet extracts the btih info-hash from a magnet URI.
func InfoHashFromMagnet(magnet string) (string, error) {
	u, err := url.Parse(magnet)
	if err != nil || u.Scheme != "magnet" {
		return "", fmt.Errorf("%w: not a magnet link", ErrUnsupportedResource)
	}
	for _, xt := range u.Query()["xt"] {
		if strings.HasPrefix(xt, "urn:btih:") {
			return strings.ToLower(strings.TrimPrefix(xt, "urn:btih:")), nil
		}
	}
	return "", fmt.Errorf("%w: magnet link without btih hash", ErrUnsupportedResource)
}

// Start adds the resource to the engine. Magnet URIs are keyed by their
// info-hash directly and get the extra trackers appended; .torrent URLs
// are passed through as-is and the hash is recovered from the engine
// once the add registers.
func (q *QBittorrentAdapter) Start(ctx context.Context, resource, outputPath string, opts StartOptions) (Handle, error) {
	isMagnet := strings.HasPrefix(strings.ToLower(resource), "magnet:")

	var hash string
	target := resource
	if isMagnet {
		h, err := InfoHashFromMagnet(resource)
		if err != nil {
			return "", err
		}
		hash = h
		for _, tr := range opts.Trackers {
			target += "&tr=" + url.QueryEscape(tr)
		}
	}

	form := url.Values{
		"urls":     {target},
		"savepath": {outputPath},
	}
	body, err := q.do(ctx, http.MethodPost, "/api/v2/torrents/add", form)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(string(body)) == "Fails." {
		return "", NewTransient("qbittorrent rejected torrent", nil)
	}

	if !isMagnet {
		hash, err = q.findBySavePath(ctx, outputPath)
		if err != nil {
			return "", err
		}
	}

	h := Handle(hash)
	q.mu.Lock()
	q.active[h] = struct{}{}
	q.mu.Unlock()
	return h, nil
}

// lookupBySavePath scans the engine's torrent list for one saving into
// the given directory. Save paths are unique per job.
func (q *QBittorrentAdapter) lookupBySavePath(ctx context.Context, savePath string) (string, bool, error) {
	body, err := q.do(ctx, http.MethodGet, "/api/v2/torrents/info", nil)
	if err != nil {
		return "", false, err
	}
	var infos []qbTorrentInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		return "", false, fmt.Errorf("parse torrents/info: %w", err)
	}
	for _, info := range infos {
		if info.SavePath == savePath {
			return info.Hash, true, nil
		}
	}
	return "", false, nil
}

// findBySavePath waits for a freshly added torrent to show up; the add
// endpoint is asynchronous and fetching a .torrent file takes a moment.
func (q *QBittorrentAdapter) findBySavePath(ctx context.Context, savePath string) (string, error) {
	for attempt := 0; attempt < 20; attempt++ {
		hash, found, err := q.lookupBySavePath(ctx, savePath)
		if err != nil {
			return "", err
		}
		if found {
			return hash, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return "", NewTransient("torrent not registered by engine", nil)
}

type qbTorrentInfo struct {
	Hash      string  `json:"hash"`
	Name      string  `json:"name"`
	State     string  `json:"state"`
	Progress  float64 `json:"progress"`
	Size      int64   `json:"size"`
	Completed int64   `json:"completed"`
	Dlspeed   int64   `json:"dlspeed"`
	ETA       int64   `json:"eta"`
	SavePath  string  `json:"save_path"`
}

func (q *QBittorrentAdapter) fetchInfo(ctx context.Context, h Handle) (*qbTorrentInfo, error) {
	form := url.Values{"hashes": {string(h)}}
	body, err := q.do(ctx, http.MethodGet, "/api/v2/torrents/info", form)
	if err != nil {
		return nil, err
	}
	var infos []qbTorrentInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		return nil, fmt.Errorf("parse torrents/info: %w", err)
	}
	if len(infos) == 0 {
		return nil, nil
	}
	return &infos[0], nil
}

func (q *QBittorrentAdapter) Poll(ctx context.Context, h Handle) (Status, error) {
	info, err := q.fetchInfo(ctx, h)
	if err != nil {
		return Status{}, err
	}
	if info == nil {
		q.forget(h)
		return Status{Terminal: &TerminalResult{
			State:  TerminalFailed,
			Reason: "torrent no longer known to engine",
		}}, nil
	}

	switch {
	case info.State == "error" || info.State == "missingFiles":
		q.forget(h)
		return Status{Terminal: &TerminalResult{
			State:     TerminalFailed,
			Reason:    "qbittorrent state " + info.State,
			Permanent: info.State == "missingFiles",
		}}, nil
	case seedingState(info.State) || info.Progress >= 1.0:
		q.forget(h)
		return Status{Terminal: &TerminalResult{State: TerminalCompleted}}, nil
	default:
		eta := info.ETA
		if eta <= 0 || eta >= qbUnknownETA {
			eta = -1
		}
		total := info.Size
		if total <= 0 {
			total = -1 // metadata not fetched yet
		}
		return Status{Progress: &model.ProgressSnapshot{
			BytesDone:  info.Completed,
			BytesTotal: total,
			Rate:       info.Dlspeed,
			ETASec:     eta,
			At:         time.Now(),
		}}, nil
	}
}

// Cancel removes the torrent but keeps downloaded files on disk for
// inspection. Unknown hashes are treated as already cancelled.
func (q *QBittorrentAdapter) Cancel(ctx context.Context, h Handle) error {
	form := url.Values{
		"hashes":      {string(h)},
		"deleteFiles": {"false"},
	}
	if _, err := q.do(ctx, http.MethodPost, "/api/v2/torrents/delete", form); err != nil {
		if q.known(h) {
			return err
		}
		return nil
	}
	q.forget(h)
	return nil
}

// Resume re-attaches to a torrent session surviving in the engine from
// a previous run. Magnets are looked up by info-hash, .torrent
// resources by their save path.
func (q *QBittorrentAdapter) Resume(ctx context.Context, resource, outputPath string) (Handle, bool, error) {
	var hash string
	if strings.HasPrefix(strings.ToLower(resource), "magnet:") {
		h, err := InfoHashFromMagnet(resource)
		if err != nil {
			return "", false, err
		}
		info, err := q.fetchInfo(ctx, Handle(h))
		if err != nil {
			return "", false, err
		}
		if info == nil {
			return "", false, nil
		}
		hash = h
	} else {
		h, found, err := q.lookupBySavePath(ctx, outputPath)
		if err != nil || !found {
			return "", false, err
		}
		hash = h
	}

	h := Handle(hash)
	q.mu.Lock()
	q.active[h] = struct{}{}
	q.mu.Unlock()
	return h, true, nil
}

func (q *QBittorrentAdapter) forget(h Handle) {
	q.mu.Lock()
	delete(q.active, h)
	q.mu.Unlock()
}

func (q *QBittorrentAdapter) known(h Handle) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[h]
	return ok
}

func seedingState(state string) bool {
	switch state {
	case "uploading", "stalledUP", "queuedUP", "checkingUP", "forcedUP", "pausedUP", "stoppedUP":
		return true
	default:
		return false
	}
}
