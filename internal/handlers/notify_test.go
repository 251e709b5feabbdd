package handlers

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/portsidehq/portside/internal/remotefs"
	"github.com/portsidehq/portside/internal/session"
)

type noticeRecorder struct {
	mu      sync.Mutex
	notices []streamNotice
}

func (rec *noticeRecorder) record(n streamNotice) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.notices = append(rec.notices, n)
}

func (rec *noticeRecorder) find(typ string) (streamNotice, bool) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, n := range rec.notices {
		if n.Type == typ {
			return n, true
		}
	}
	return streamNotice{}, false
}

func (rec *noticeRecorder) has(want streamNotice) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, n := range rec.notices {
		if n == want {
			return true
		}
	}
	return false
}

func TestNotifyHubDeliversToSubscribedSessionOnly(t *testing.T) {
	alpha := &noticeRecorder{}
	beta := &noticeRecorder{}
	cancelAlpha := notices.subscribe("n-alpha", alpha.record)
	defer cancelAlpha()
	cancelBeta := notices.subscribe("n-beta", beta.record)
	defer cancelBeta()

	NotifyRefresh("n-alpha", "/srv")
	NotifyStatus("n-alpha", session.StatusDisconnected)

	n, ok := alpha.find("refresh")
	if !ok || n.Dir != "/srv" {
		t.Errorf("refresh notice = %+v, ok = %v", n, ok)
	}
	n, ok = alpha.find("status")
	if !ok || n.Status != "disconnected" {
		t.Errorf("status notice = %+v, ok = %v", n, ok)
	}
	if _, ok := beta.find("refresh"); ok {
		t.Error("notice leaked to another session's subscriber")
	}
}

func TestNotifyHubUnsubscribeStopsDelivery(t *testing.T) {
	rec := &noticeRecorder{}
	cancel := notices.subscribe("n-gone", rec.record)
	cancel()

	NotifyRefresh("n-gone", "/srv")
	if _, ok := rec.find("refresh"); ok {
		t.Error("notice delivered after unsubscribe")
	}
}

func TestMutatingOperationPushesRefreshNotice(t *testing.T) {
	r, _ := setupTestAPIExec(t, nil, nil)

	_, resp := doJSON(t, r, "POST", "/sessions/alpha/connect", "", map[string]string{"host_id": "web1"})
	if token, _ := resp["attach_token"].(string); token == "" {
		t.Fatalf("connect response: %v", resp)
	}

	rec := &noticeRecorder{}
	cancel := notices.subscribe("alpha", rec.record)
	defer cancel()

	if _, err := Orch.BatchDelete(context.Background(), "alpha", []remotefs.Item{{Path: "/d/a", Name: "a"}}); err != nil {
		t.Fatalf("BatchDelete: %v", err)
	}

	n, ok := rec.find("refresh")
	if !ok || n.Dir != "/d" {
		t.Errorf("refresh notice = %+v, ok = %v", n, ok)
	}
}

func TestLifecycleEventsPushNotices(t *testing.T) {
	r, _ := setupTestAPIExec(t, nil, nil)

	rec := &noticeRecorder{}
	cancel := notices.subscribe("alpha", rec.record)
	defer cancel()

	_, resp := doJSON(t, r, "POST", "/sessions/alpha/connect", "", map[string]string{"host_id": "web1"})
	token := resp["attach_token"].(string)
	if res, _ := doJSON(t, r, "DELETE", "/sessions/alpha", token, nil); res.Code != http.StatusOK {
		t.Fatalf("disconnect status = %d", res.Code)
	}

	if !rec.has(streamNotice{Type: "status", Status: "connected"}) {
		t.Error("no connected status notice")
	}
	if !rec.has(streamNotice{Type: "status", Status: "disconnected"}) {
		t.Error("no disconnected status notice")
	}
	if !rec.has(streamNotice{Type: "event", Event: "disconnected", Details: "explicit disconnect"}) {
		t.Error("no disconnect event notice")
	}
}
