package uploader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/szibis/batch-uploader/internal/auth"
	"github.com/szibis/batch-uploader/internal/compression"
	"github.com/szibis/batch-uploader/internal/fakehub"
	"github.com/szibis/batch-uploader/internal/transport"
)

func TestIntegration_UploadToHub(t *testing.T) {
	creds := auth.Credentials{User: "api-key"}
	hub := fakehub.New(fakehub.WithCredentials(creds), fakehub.WithStrictOffsets())
	server := httptest.NewServer(hub)
	defer server.Close()

	client, err := transport.New(transport.Config{Endpoint: server.URL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Credentials = creds
	u := newTestUploader(t, client, cfg)

	hub.FailNext(2, http.StatusServiceUnavailable)
	w := newTestWriter(t, u, "datasets/events", WithContentEncoding(compression.TypeZstd))
	for i := 0; i < 25; i++ {
		if _, err := w.WriteRaw(context.Background(), []byte(strconv.Itoa(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(ctxTimeout(t, 10*time.Second), true); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records := hub.Records("datasets/events")
	if len(records) != 25 {
		t.Fatalf("hub stored %d records, want 25", len(records))
	}
	for i, rec := range records {
		if string(rec) != strconv.Itoa(i) {
			t.Fatalf("record %d = %q", i, rec)
		}
	}
	for _, up := range hub.Uploads() {
		if up.User != "api-key" || up.Encoding != "zstd" {
			t.Errorf("upload = user %q encoding %q", up.User, up.Encoding)
		}
	}
	if gaps := hub.Gaps(); len(gaps) != 0 {
		t.Errorf("unexpected gaps: %+v", gaps)
	}
	if w.Committed() != 25 {
		t.Errorf("Committed() = %d, want 25", w.Committed())
	}
}

func TestIntegration_DroppedBatchIsVisibleAsGap(t *testing.T) {
	hub := fakehub.New()
	server := httptest.NewServer(hub)
	defer server.Close()

	client, err := transport.New(transport.Config{Endpoint: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 2
	u := newTestUploader(t, client, cfg)
	w := newTestWriter(t, u, "items")

	hub.FailNext(2, http.StatusInternalServerError)
	for i := 0; i < 10; i++ {
		w.Write(context.Background(), i)
	}
	if err := w.Flush(ctxTimeout(t, 10*time.Second)); err != nil {
		t.Fatal(err)
	}
	w.Write(context.Background(), 10)
	if err := w.Close(ctxTimeout(t, 10*time.Second), true); err != nil {
		t.Fatal(err)
	}

	gaps := hub.Gaps()
	if len(hub.Uploads()) != 1 || len(gaps) != 0 {
		t.Fatalf("uploads = %+v gaps = %+v", hub.Uploads(), gaps)
	}
	// The first upload the hub sees starts past the dropped batch.
	if up := hub.Uploads()[0]; up.Start != 10 {
		t.Errorf("first accepted upload starts at %d, want 10", up.Start)
	}
}
