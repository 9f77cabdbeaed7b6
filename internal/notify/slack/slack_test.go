package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/roadwatch/internal/violation"
)

func testNotification() *violation.Notification {
	lat, lon := 51.50735, -0.12776
	return &violation.Notification{
		Recipient: "traffic-ops",
		Record: &violation.Record{
			ID:                  42,
			Timestamp:           time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
			ImagePath:           "violations/20240101_120000.jpg",
			ImageHash:           "0123456789abcdef",
			Type:                "red_light",
			Confidence:          0.95,
			BBox:                violation.BBox{100, 200, 300, 400},
			PositionDescription: "white sedan past the stop line",
			Latitude:            &lat,
			Longitude:           &lon,
		},
	}
}

func TestNotify_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := New(srv.URL).Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}
	// header, fields, divider, description, context
	if len(blocks) != 5 {
		t.Fatalf("blocks = %d, want 5", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	if !strings.Contains(headerText, "red_light") || !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header text = %q", headerText)
	}

	raw, _ := json.Marshal(blocks[1])
	for _, want := range []string{"95%", "100,200,300,400", "51.50735", "traffic-ops"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("fields missing %q: %s", want, raw)
		}
	}
}

func TestNotify_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	if err := New("").Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}
}

func TestNotify_Non2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := New(srv.URL).Notify(context.Background(), testNotification())
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v, want 400 error", err)
	}
}

func TestNotify_TruncatesLongDescription(t *testing.T) {
	t.Parallel()

	n := testNotification()
	n.Record.PositionDescription = strings.Repeat("x", 4000)
	n.Record.Latitude, n.Record.Longitude = nil, nil

	msg := buildMessage(n)
	blocks := msg["blocks"].([]map[string]any)
	text := blocks[3]["text"].(map[string]any)["text"].(string)
	if len(text) > maxDescriptionLen+len("*Where*\n") {
		t.Errorf("description length = %d", len(text))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated description to end with ...")
	}
	if location(n.Record) != "n/a" {
		t.Errorf("location = %q, want n/a", location(n.Record))
	}
}

func TestConfidenceEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		c    float64
		want string
	}{
		{0.95, "\U0001f534"},
		{0.8, "\U0001f534"},
		{0.6, "\U0001f7e1"},
		{0.1, "\U0001f7e2"},
	}
	for _, tt := range tests {
		if got := confidenceEmoji(tt.c); got != tt.want {
			t.Errorf("confidenceEmoji(%v) = %q, want %q", tt.c, got, tt.want)
		}
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("red_light", "left lane", "hash", 0.9)
	f.Add("", "", "", 0.0)
	f.Add("<@U123> mention", "*bold* _italic_ ~strike~", "h\x00", 1.0)
	f.Add(strings.Repeat("A", 5000), strings.Repeat("x", 10000), "h", 0.5)

	f.Fuzz(func(t *testing.T, kind, desc, hash string, conf float64) {
		n := &violation.Notification{Record: &violation.Record{
			Type:                kind,
			PositionDescription: desc,
			ImageHash:           hash,
			Confidence:          conf,
			Timestamp:           time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}}

		data, err := json.Marshal(buildMessage(n))
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("round-trip unmarshal failed: %v", err)
		}
	})
}
