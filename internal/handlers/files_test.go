package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/portsidehq/portside/internal/transport"
)

// serverJSON issues a real HTTP request against a live test server, so the
// request context is cancelled when the handler returns, as in production.
func serverJSON(t *testing.T, base, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, base+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("X-Attach-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestArchivePromptOutlivesRequest(t *testing.T) {
	var mu sync.Mutex
	installed := false
	respond := func(cmd string) (transport.ExecResult, error) {
		if strings.HasPrefix(cmd, "command -v") {
			mu.Lock()
			defer mu.Unlock()
			if !installed {
				return transport.ExecResult{ExitCode: 1}, nil
			}
		}
		return transport.ExecResult{}, nil
	}
	r, _ := setupTestAPIExec(t, nil, respond)
	srv := httptest.NewServer(r)
	defer srv.Close()

	_, resp := serverJSON(t, srv.URL, "POST", "/sessions/alpha/connect", "", map[string]string{"host_id": "web1"})
	token := resp["attach_token"].(string)

	code, resp := serverJSON(t, srv.URL, "POST", "/sessions/alpha/files/archive", token, map[string]interface{}{
		"dir":          "/d",
		"archive_name": "out.tar",
		"items":        []map[string]string{{"path": "/d/a", "name": "a"}},
	})
	if code != http.StatusAccepted {
		t.Fatalf("archive status = %d, body %v", code, resp)
	}
	opID := resp["operation_id"].(string)

	// The 202 has been returned and the request context torn down; the
	// operation must still reach the prompting state and hold there.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, resp = serverJSON(t, srv.URL, "GET", "/operations/"+opID, "", nil)
		if resp["state"] == "prompting" {
			break
		}
		if resp["state"] == "failed" || time.Now().After(deadline) {
			t.Fatalf("operation state = %v, error = %v, want prompting", resp["state"], resp["error"])
		}
		time.Sleep(5 * time.Millisecond)
	}
	if resp["missing_tool"] != "tar" {
		t.Errorf("missing_tool = %v, want tar", resp["missing_tool"])
	}

	mu.Lock()
	installed = true
	mu.Unlock()
	if code, resp = serverJSON(t, srv.URL, "POST", "/operations/"+opID+"/resolve", "", map[string]bool{"installed": true}); code != http.StatusOK {
		t.Fatalf("resolve status = %d, body %v", code, resp)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		_, resp = serverJSON(t, srv.URL, "GET", "/operations/"+opID, "", nil)
		if resp["state"] == "succeeded" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("operation state = %v after resolution, want succeeded", resp["state"])
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChmodFile(t *testing.T) {
	r, transports := setupTestAPIExec(t, nil, nil)

	_, resp := doJSON(t, r, "POST", "/sessions/alpha/connect", "", map[string]string{"host_id": "web1"})
	token := resp["attach_token"].(string)

	rec, _ := doJSON(t, r, "POST", "/sessions/alpha/files/chmod", token, map[string]string{
		"path": "/srv/app.sh",
		"mode": "755",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chmod status = %d, body = %s", rec.Code, rec.Body.String())
	}

	v, ok := transports.Load("web1.internal")
	if !ok {
		t.Fatal("no transport dialed")
	}
	cmds := v.(*stubTransport).recorded()
	want := "chmod 755 -- '/srv/app.sh'"
	if len(cmds) != 1 || cmds[0] != want {
		t.Errorf("commands = %v, want [%q]", cmds, want)
	}
}

func TestChmodRejectsBadMode(t *testing.T) {
	r := setupTestAPI(t, nil)

	_, resp := doJSON(t, r, "POST", "/sessions/alpha/connect", "", map[string]string{"host_id": "web1"})
	token := resp["attach_token"].(string)

	rec, _ := doJSON(t, r, "POST", "/sessions/alpha/files/chmod", token, map[string]string{
		"path": "/srv/app.sh",
		"mode": "rwxr-xr-x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAttachMintsTokenForVerifiedSession(t *testing.T) {
	r := setupTestAPI(t, nil)

	_, resp := doJSON(t, r, "POST", "/sessions/alpha/connect", "", map[string]string{"host_id": "web1"})
	token := resp["attach_token"].(string)

	rec, resp := doJSON(t, r, "POST", "/sessions/alpha/attach", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("attach status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if resp["session_id"] != "alpha" {
		t.Errorf("session_id = %v, want alpha", resp["session_id"])
	}
	fresh, _ := resp["attach_token"].(string)
	if fresh == "" {
		t.Fatal("no fresh token in attach response")
	}
	if rec, _ = doJSON(t, r, "GET", "/sessions/alpha/status", fresh, nil); rec.Code != http.StatusOK {
		t.Errorf("fresh token rejected: %d", rec.Code)
	}
}

func TestDisconnectForgetDropsHistory(t *testing.T) {
	r := setupTestAPI(t, nil)

	_, resp := doJSON(t, r, "POST", "/sessions/alpha/connect", "", map[string]string{"host_id": "web1"})
	token := resp["attach_token"].(string)

	rec, _ := doJSON(t, r, "DELETE", "/sessions/alpha?forget=true", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("forget status = %d", rec.Code)
	}

	_, resp = doJSON(t, r, "GET", "/sessions/alpha/status", token, nil)
	if resp["status"] != "disconnected" {
		t.Errorf("status = %v", resp["status"])
	}
	if transitions, ok := resp["transitions"].([]interface{}); ok && len(transitions) > 0 {
		t.Errorf("transitions survived forget: %v", transitions)
	}
	if events, ok := resp["events"].([]interface{}); ok && len(events) > 0 {
		t.Errorf("events survived forget: %v", events)
	}
}

func TestStagingNameDisambiguatesDuplicates(t *testing.T) {
	used := make(map[string]bool)
	names := []string{"report.txt", "report.txt", "/backup/report.txt", "other.log"}
	want := []string{"report.txt", "2_report.txt", "3_report.txt", "other.log"}
	for i, n := range names {
		if got := stagingName(n, used); got != want[i] {
			t.Errorf("stagingName(%q) = %q, want %q", n, got, want[i])
		}
	}
}
