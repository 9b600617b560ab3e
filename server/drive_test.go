package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

func TestEscapeQuery(t *testing.T) {
	cases := map[string]string{
		"backups":          "backups",
		"Ana's backups":    `Ana\'s backups`,
		`C:\data`:          `C:\\data`,
		`x' or name != 'y`: `x\' or name != \'y`,
	}
	for in, want := range cases {
		if got := escapeQuery(in); got != want {
			t.Fatalf("escapeQuery(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDriveRemoteEscapesQueryValues(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		mu.Lock()
		queries = append(queries, q)
		mu.Unlock()
		if strings.Contains(q, folderMimeType) {
			writeJSON(w, map[string]any{"files": []map[string]any{{"id": "folder'1", "name": "x"}}})
			return
		}
		writeJSON(w, map[string]any{"files": []map[string]any{{
			"id":          "file-1",
			"name":        "it's-20240501T100000Z.db",
			"createdTime": "2024-05-01T10:00:00Z",
			"size":        "12",
		}}})
	}))
	defer srv.Close()

	factory := DriveRemoteFactory(DriveConfig{FolderName: "Ana's backups", BackupPrefix: "it's-"},
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL+"/"),
	)
	remote, err := factory(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "access-1"}))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	latest, err := remote.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != "file-1" || latest.Size != 12 {
		t.Fatalf("unexpected latest %+v", latest)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(queries) != 2 {
		t.Fatalf("expected folder lookup and listing, got %q", queries)
	}
	if !strings.Contains(queries[0], `name = 'Ana\'s backups'`) {
		t.Fatalf("folder name not escaped: %q", queries[0])
	}
	if !strings.Contains(queries[1], `'folder\'1' in parents`) || !strings.Contains(queries[1], `name contains 'it\'s-'`) {
		t.Fatalf("listing values not escaped: %q", queries[1])
	}
}
