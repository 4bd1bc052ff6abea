package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fpang/depth-curator/internal/config"
	"github.com/fpang/depth-curator/internal/jobs"
	"github.com/fpang/depth-curator/internal/pipeline"
)

type frameSource struct {
	n, next int
}

func (f *frameSource) Next() (image.Image, error) {
	if f.next >= f.n {
		return nil, io.EOF
	}
	f.next++
	img := image.NewGray(image.Rect(0, 0, 64, 4))
	for x := 0; x < 64; x++ {
		for y := 0; y < 4; y++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x * 4)})
		}
	}
	return img, nil
}

func (f *frameSource) Close() error { return nil }

func newTestServer(t *testing.T) (*server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Origins = []string{"http://localhost:5173"}
	s, err := newServer(cfg, nil, nil, func(context.Context, string) (pipeline.FrameSource, error) {
		return &frameSource{n: 3}, nil
	})
	if err != nil {
		t.Fatalf("newServer() error = %v", err)
	}
	ts := httptest.NewServer(s.routes())
	t.Cleanup(func() {
		ts.Close()
		s.pipeline.Shutdown(context.Background())
	})
	return s, ts
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	out := map[string]any{}
	json.NewDecoder(resp.Body).Decode(&out)
	return out
}

func uploadChunk(t *testing.T, base string, fields map[string]string, data []byte) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	fw, _ := mw.CreateFormFile("chunk", "blob")
	fw.Write(data)
	mw.Close()
	resp, err := http.Post(base+"/api/upload-chunk", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func uploadAsset(t *testing.T, base, sessionID, kind, filename string, chunks ...string) map[string]any {
	t.Helper()
	_, init := postJSON(t, base+"/api/init-upload", nil)
	uploadID, _ := init["upload_id"].(string)
	if uploadID == "" {
		t.Fatalf("init-upload returned %v", init)
	}
	var last map[string]any
	for i, c := range chunks {
		resp, body := uploadChunk(t, base, map[string]string{
			"session_id":   sessionID,
			"job_id":       uploadID,
			"filename":     filename,
			"file_type":    kind,
			"chunk_index":  strconv.Itoa(i),
			"total_chunks": strconv.Itoa(len(chunks)),
		}, []byte(c))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("upload chunk %d: status %d %v", i, resp.StatusCode, body)
		}
		last = body
	}
	if last["complete"] != true {
		t.Fatalf("upload not complete: %v", last)
	}
	return last
}

func waitForTerminal(t *testing.T, base, jobID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_, body := getJSON(t, base+"/api/pipeline/"+jobID+"/status")
		if jobs.State(body["state"].(string)).Terminal() {
			return body
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return nil
}

func TestEndToEndRun(t *testing.T) {
	_, ts := newTestServer(t)

	_, sess := getJSON(t, ts.URL+"/api/new-session")
	sessionID, _ := sess["session_id"].(string)
	if err := validateSessionID(sessionID); err != nil {
		t.Fatalf("new-session id %q: %v", sessionID, err)
	}

	uploadAsset(t, ts.URL, sessionID, "dataset", "raw.mp4", "raw-part-1", "raw-part-2")
	uploadAsset(t, ts.URL, sessionID, "mirror", "depth.mp4", "depth")

	resp, body := postJSON(t, ts.URL+"/api/update-pipeline", map[string]any{
		"session_id": sessionID,
		"stages":     map[string]bool{"Model Object Detection": false, "pattern_match": false},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update-pipeline: %d %v", resp.StatusCode, body)
	}

	resp, body = postJSON(t, ts.URL+"/api/run-pipeline", map[string]string{"session_id": sessionID})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run-pipeline: %d %v", resp.StatusCode, body)
	}
	jobID := body["job_id"].(string)

	status := waitForTerminal(t, ts.URL, jobID)
	if status["state"] != string(jobs.StateCompleted) {
		t.Fatalf("final status = %v", status)
	}
	if status["download_url"] != "/api/downloads/"+jobID {
		t.Errorf("download_url = %v", status["download_url"])
	}

	dl, err := http.Get(ts.URL + "/api/downloads/" + jobID)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(dl.Body)
	dl.Body.Close()
	if dl.StatusCode != http.StatusOK || !bytes.HasPrefix(data, []byte("PK")) {
		t.Errorf("download: status %d, %d bytes", dl.StatusCode, len(data))
	}

	_, m := getJSON(t, ts.URL+"/api/metrics/"+sessionID)
	if m["jobs"].(float64) != 1 || m["frames_accepted"].(float64) != 3 {
		t.Errorf("metrics = %v", m)
	}
}

func TestRunPipelinePreconditions(t *testing.T) {
	_, ts := newTestServer(t)
	_, sess := getJSON(t, ts.URL+"/api/new-session")
	sessionID := sess["session_id"].(string)

	resp, body := postJSON(t, ts.URL+"/api/run-pipeline", map[string]string{"session_id": sessionID})
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(body["error"].(string), "raw video") {
		t.Errorf("no raw: %d %v", resp.StatusCode, body)
	}

	uploadAsset(t, ts.URL, sessionID, "raw", "raw.mp4", "r")
	resp, body = postJSON(t, ts.URL+"/api/run-pipeline", map[string]string{"session_id": sessionID})
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(body["error"].(string), "depth video") {
		t.Errorf("no depth: %d %v", resp.StatusCode, body)
	}

	uploadAsset(t, ts.URL, sessionID, "realsense", "depth.mp4", "d")
	resp, body = postJSON(t, ts.URL+"/api/run-pipeline", map[string]string{"session_id": sessionID})
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(body["error"].(string), "pattern") {
		t.Errorf("no patterns: %d %v", resp.StatusCode, body)
	}

	resp, _ = postJSON(t, ts.URL+"/api/run-pipeline", map[string]string{"session_id": "a1b2c3d4-e5f6-4890-abcd-ef1234567890"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: status %d, want 404", resp.StatusCode)
	}
}

func TestUpdateThreshold(t *testing.T) {
	_, ts := newTestServer(t)
	_, sess := getJSON(t, ts.URL+"/api/new-session")
	sessionID := sess["session_id"].(string)

	tests := []struct {
		name   string
		value  any
		status int
	}{
		{"black_threshold", "40", http.StatusOK},
		{"Pattern Thresholding", 150.5, http.StatusOK},
		{"solid_threshold", "0.75", http.StatusOK},
		{"black_threshold", "dark", http.StatusBadRequest},
		{"white_threshold", 300, http.StatusBadRequest},
		{"no_such_threshold", 1, http.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, body := postJSON(t, ts.URL+"/api/update-threshold", map[string]any{
			"session_id": sessionID, "name": tt.name, "value": tt.value,
		})
		if resp.StatusCode != tt.status {
			t.Errorf("update %s=%v: status %d %v, want %d", tt.name, tt.value, resp.StatusCode, body, tt.status)
		}
	}

	_, got := getJSON(t, ts.URL+"/api/session/"+sessionID)
	th := got["thresholds"].(map[string]any)
	if th["black_cutoff"].(float64) != 40 || th["pattern_distance"].(float64) != 150.5 || th["solid_percentage"].(float64) != 0.75 {
		t.Errorf("thresholds = %v", th)
	}

	resp, body := postJSON(t, ts.URL+"/api/restore-defaults", map[string]string{"session_id": sessionID})
	if resp.StatusCode != http.StatusOK || body["thresholds"].(map[string]any)["black_cutoff"].(float64) != 30 {
		t.Errorf("restore-defaults: %d %v", resp.StatusCode, body)
	}
}

func TestUpdateThresholdRendersDepthPreview(t *testing.T) {
	s, ts := newTestServer(t)
	s.thumbs.FirstFrame = func(context.Context, string) (image.Image, error) {
		img := image.NewGray(image.Rect(0, 0, 10, 10))
		for i := 70; i < len(img.Pix); i++ {
			img.Pix[i] = 128
		}
		return img, nil
	}
	_, sess := getJSON(t, ts.URL+"/api/new-session")
	sessionID := sess["session_id"].(string)

	// Legacy clients name the threshold with threshold_type.
	resp, body := postJSON(t, ts.URL+"/api/update-threshold", map[string]any{
		"session_id": sessionID, "threshold_type": "black_threshold", "value": 20,
	})
	if resp.StatusCode != http.StatusOK || body["preview"] != nil {
		t.Fatalf("without depth: %d %v", resp.StatusCode, body)
	}

	uploadAsset(t, ts.URL, sessionID, "depth", "depth.mp4", "d")
	resp, body = postJSON(t, ts.URL+"/api/update-threshold", map[string]any{
		"session_id": sessionID, "threshold_type": "black_threshold", "value": 40,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update-threshold: %d %v", resp.StatusCode, body)
	}
	preview, _ := body["preview"].(map[string]any)
	if preview == nil || preview["black_fraction"].(float64) != 0.7 || preview["rejected"] != true {
		t.Fatalf("preview = %v", body["preview"])
	}
	name := preview["name"].(string)
	if got, err := http.Get(ts.URL + "/api/thumbnails/" + name); err != nil || got.StatusCode != http.StatusOK {
		t.Fatalf("GET preview: %v %v", got, err)
	} else {
		got.Body.Close()
	}

	resp, _ = postJSON(t, ts.URL+"/api/update-threshold", map[string]any{
		"session_id": sessionID, "name": "pattern_distance", "value": 120,
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("pattern_distance update: status %d", resp.StatusCode)
	}

	postJSON(t, ts.URL+"/api/delete/depth", map[string]string{"session_id": sessionID})
	got, err := http.Get(ts.URL + "/api/thumbnails/" + name)
	if err != nil {
		t.Fatal(err)
	}
	got.Body.Close()
	if got.StatusCode != http.StatusNotFound {
		t.Errorf("preview after depth delete: status %d, want 404", got.StatusCode)
	}
}

func TestDeleteAndUploadValidation(t *testing.T) {
	_, ts := newTestServer(t)
	_, sess := getJSON(t, ts.URL+"/api/new-session")
	sessionID := sess["session_id"].(string)

	uploadAsset(t, ts.URL, sessionID, "raw", "raw.mp4", "r")
	resp, body := postJSON(t, ts.URL+"/api/delete/dataset", map[string]string{"session_id": sessionID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d %v", resp.StatusCode, body)
	}
	_, got := getJSON(t, ts.URL+"/api/session/"+sessionID)
	if got["raw"] != nil {
		t.Errorf("raw asset still present: %v", got["raw"])
	}

	resp, _ = postJSON(t, ts.URL+"/api/delete/bogus", map[string]string{"session_id": sessionID})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("delete bogus kind: status %d", resp.StatusCode)
	}

	tests := []struct {
		name   string
		fields map[string]string
		status int
	}{
		{"bad index", map[string]string{"chunk_index": "x", "total_chunks": "1", "file_type": "raw", "job_id": "u1", "filename": "a.mp4"}, http.StatusBadRequest},
		{"index out of range", map[string]string{"chunk_index": "2", "total_chunks": "1", "file_type": "raw", "job_id": "u1", "filename": "a.mp4"}, http.StatusBadRequest},
		{"wrong extension", map[string]string{"chunk_index": "0", "total_chunks": "1", "file_type": "raw", "job_id": "u1", "filename": "a.png"}, http.StatusBadRequest},
		{"unknown kind", map[string]string{"chunk_index": "0", "total_chunks": "1", "file_type": "audio", "job_id": "u1", "filename": "a.mp4"}, http.StatusBadRequest},
		{"unknown session", map[string]string{"chunk_index": "0", "total_chunks": "1", "file_type": "raw", "job_id": "u1", "filename": "a.mp4",
			"session_id": "a1b2c3d4-e5f6-4890-abcd-ef1234567890"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := uploadChunk(t, ts.URL, tt.fields, []byte("x"))
			if resp.StatusCode != tt.status {
				t.Errorf("status %d %v, want %d", resp.StatusCode, body, tt.status)
			}
		})
	}
}

func TestRoutingAndValidation(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/api/health", http.StatusOK},
		{http.MethodPost, "/api/health", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/session/not-a-uuid", http.StatusBadRequest},
		{http.MethodGet, "/api/session/a1b2c3d4-e5f6-4890-abcd-ef1234567890", http.StatusNotFound},
		{http.MethodGet, "/api/pipeline/pipe-00000000000000000000000000000000/status", http.StatusNotFound},
		{http.MethodGet, "/api/pipeline/nope/status", http.StatusBadRequest},
		{http.MethodGet, "/api/pipeline/pipe-x/cancel", http.StatusNotFound},
		{http.MethodGet, "/api/downloads/bad%20id", http.StatusBadRequest},
		{http.MethodGet, "/api/thumbnails/bad%20name.png", http.StatusBadRequest},
		{http.MethodGet, "/api/thumbnails/missing_raw_thumbnail.png", http.StatusNotFound},
		{http.MethodGet, "/api/init-upload", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(tt.method, ts.URL+tt.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.status {
			t.Errorf("%s %s: status %d, want %d", tt.method, tt.path, resp.StatusCode, tt.status)
		}
	}
}

func TestCORS(t *testing.T) {
	_, ts := newTestServer(t)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/new-session", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Errorf("preflight: %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}

	req.Header.Set("Origin", "http://evil.example")
	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin allowed")
	}
}

func TestAggregateMetrics(t *testing.T) {
	records := []jobs.Record{
		{ID: "pipe-a", State: jobs.StateCompleted, Result: &jobs.Result{FramesProcessed: 5, FramesAccepted: 2, FramesRejected: 3,
			RejectedByStage: map[string]int{"solid_color": 3}, Categories: map[string]int{"mug": 2}}},
		{ID: "pipe-b", State: jobs.StateRunning, Progress: jobs.Progress{FramesProcessed: 4, FramesRejected: 4}},
	}
	m := aggregateMetrics("s1", records)
	if m.Jobs != 2 || m.FramesProcessed != 9 || m.FramesRejected != 7 || m.FramesAccepted != 2 {
		t.Errorf("metrics = %+v", m)
	}
	if m.Categories["mug"] != 2 || m.RejectedByStage["solid_color"] != 3 || m.LastJobID != "pipe-b" {
		t.Errorf("metrics = %+v", m)
	}
	if m.JobsByState["completed"] != 1 || m.JobsByState["running"] != 1 {
		t.Errorf("JobsByState = %v", m.JobsByState)
	}
}
