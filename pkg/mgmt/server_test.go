package mgmt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/amirimatin/go-replset/pkg/conn"
	"github.com/amirimatin/go-replset/pkg/conn/memconn"
	"github.com/amirimatin/go-replset/pkg/replset"
)

func TestStatusEndpoint(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1", "b:1")

	reg := replset.NewRegistry(nil)
	defer reg.Shutdown()
	if _, err := reg.Get("rs0", []conn.Addr{conn.MustAddr("a:1")}, replset.Options{Dial: cluster.Dialer()}); err != nil {
		t.Fatalf("Get: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer("127.0.0.1:0", nil)
	if err := srv.Start(ctx, reg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/status", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out map[string]replset.SetInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	info, ok := out["rs0"]
	if !ok {
		t.Fatalf("rs0 missing from status: %v", out)
	}
	if len(info.Hosts) != 2 {
		t.Fatalf("hosts = %d, want 2", len(info.Hosts))
	}

	// filtered query for an unknown set
	resp2, err := http.Get(fmt.Sprintf("http://%s/status?set=nope", srv.Addr()))
	if err != nil {
		t.Fatalf("GET /status?set=nope: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown set status = %d, want 404", resp2.StatusCode)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	reg := replset.NewRegistry(nil)
	defer reg.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer("127.0.0.1:0", nil)
	if err := srv.Start(ctx, reg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(fmt.Sprintf("http://%s%s", srv.Addr(), path))
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestClientGetStatus(t *testing.T) {
	cluster := memconn.New()
	cluster.AddSet("rs0", "a:1")

	reg := replset.NewRegistry(nil)
	defer reg.Shutdown()
	if _, err := reg.Get("rs0", []conn.Addr{conn.MustAddr("a:1")}, replset.Options{Dial: cluster.Dialer()}); err != nil {
		t.Fatalf("Get: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := NewServer("127.0.0.1:0", nil)
	if err := srv.Start(ctx, reg); err != nil {
		t.Fatalf("Start: %v", err)
	}

	client := NewClient(2 * time.Second)
	data, err := client.GetStatus(ctx, srv.Addr(), "rs0")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	var out map[string]replset.SetInfo
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out["rs0"]; !ok {
		t.Fatalf("rs0 missing: %s", data)
	}
}
