package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/john/chatkeep/internal/message"
	"github.com/john/chatkeep/internal/store"
)

func TestGenerateS3Key(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     string
		wantErr  bool
	}{
		{
			name:     "simple channel name",
			filename: "twitch_ludwig_20251230_1030.jsonl",
			want:     "2025/12/30/twitch/ludwig/twitch_ludwig_20251230_1030.jsonl",
		},
		{
			name:     "channel with underscore",
			filename: "twitch_some_streamer_20251230_1030.jsonl",
			want:     "2025/12/30/twitch/some_streamer/twitch_some_streamer_20251230_1030.jsonl",
		},
		{
			name:     "kick platform",
			filename: "kick_xqc_20260101_0000.jsonl",
			want:     "2026/01/01/kick/xqc/kick_xqc_20260101_0000.jsonl",
		},
		{
			name:     "too few parts",
			filename: "twitch_20251230.jsonl",
			wantErr:  true,
		},
		{
			name:     "bad timestamp",
			filename: "twitch_ludwig_2025123_1030x.jsonl",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := generateS3Key(tt.filename)
			if (err != nil) != tt.wantErr {
				t.Fatalf("generateS3Key(%q) error = %v, wantErr %v", tt.filename, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("generateS3Key(%q) = %q, want %q", tt.filename, got, tt.want)
			}
		})
	}
}

func TestFileNameRoundTripsThroughKey(t *testing.T) {
	key := message.NewKey("under_score", message.PlatformKick)
	name := FileName(key, time.Date(2025, 3, 4, 5, 6, 0, 0, time.UTC))
	if name != "kick_under_score_20250304_0506.jsonl" {
		t.Fatalf("FileName = %q", name)
	}
	got, err := generateS3Key(name)
	if err != nil {
		t.Fatal(err)
	}
	if want := "2025/03/04/kick/under_score/" + name; got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func seedStore(t *testing.T, key message.ChannelKey, texts ...string) *store.Store {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, t.TempDir(), key)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range texts {
		msg := message.ChatMessage{ID: text, Username: "viewer", Text: text, Timestamp: base.Add(time.Duration(i) * time.Second)}
		if err := st.Append(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func TestExportWritesOldestFirst(t *testing.T) {
	key := message.NewKey("streamer", message.PlatformTwitch)
	st := seedStore(t, key, "first", "second @pal", "third")

	exp := NewExporter(t.TempDir())
	exp.now = func() time.Time { return time.Date(2025, 12, 30, 10, 30, 0, 0, time.UTC) }

	path, n, err := exp.Export(context.Background(), key, st)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 3 {
		t.Errorf("exported %d messages, want 3", n)
	}
	if filepath.Base(path) != "twitch_streamer_20251230_1030.jsonl" {
		t.Errorf("path = %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []message.ChatMessage
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var msg message.ChatMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("line %q: %v", scanner.Text(), err)
		}
		got = append(got, msg)
	}
	if len(got) != 3 || got[0].Text != "first" || got[2].Text != "third" {
		t.Fatalf("exported lines = %+v", got)
	}
	if got[1].Channel != "streamer" || got[1].Platform != message.PlatformTwitch {
		t.Errorf("line missing source: %+v", got[1])
	}
	if len(got[1].Spans) == 0 {
		t.Error("mention spans not exported")
	}
}

func TestPending(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"twitch_a_20250101_0000.jsonl", "notes.txt", "kick_b_20250101_0000.jsonl"} {
		os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0644)
	}
	os.Mkdir(filepath.Join(dir, "sub.jsonl"), 0755)

	files, err := Pending(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Errorf("Pending = %v, want 2 files", files)
	}

	files, err = Pending(filepath.Join(dir, "missing"))
	if err != nil || files != nil {
		t.Errorf("Pending(missing) = %v, %v", files, err)
	}
}

type fakePutter struct {
	mu       sync.Mutex
	failures int
	calls    int
	keys     []string
	bodies   []string
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("service unavailable")
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.keys = append(f.keys, aws.ToString(in.Key))
	f.bodies = append(f.bodies, string(body))
	return &s3.PutObjectOutput{}, nil
}

func writeExport(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(`{"text":"hi"}`+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadRetries(t *testing.T) {
	putter := &fakePutter{failures: 2}
	u := newUploader(putter, S3Options{Bucket: "logs", Prefix: "/chat/", MaxRetries: 3, RetryBackoff: time.Millisecond})
	path := writeExport(t, t.TempDir(), "twitch_ludwig_20251230_1030.jsonl")

	key, err := u.Upload(context.Background(), path)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if key != "chat/2025/12/30/twitch/ludwig/twitch_ludwig_20251230_1030.jsonl" {
		t.Errorf("key = %q", key)
	}
	if putter.calls != 3 {
		t.Errorf("PutObject called %d times, want 3", putter.calls)
	}
	if putter.bodies[0] != `{"text":"hi"}`+"\n" {
		t.Errorf("body = %q", putter.bodies[0])
	}
}

func TestUploadGivesUp(t *testing.T) {
	putter := &fakePutter{failures: 10}
	u := newUploader(putter, S3Options{Bucket: "logs", MaxRetries: 1, RetryBackoff: time.Millisecond})
	path := writeExport(t, t.TempDir(), "kick_xqc_20251230_1030.jsonl")

	if _, err := u.Upload(context.Background(), path); err == nil {
		t.Fatal("expected error")
	}
	if putter.calls != 2 {
		t.Errorf("PutObject called %d times, want 2", putter.calls)
	}
}

func TestUploadStopsOnCancel(t *testing.T) {
	putter := &fakePutter{failures: 10}
	u := newUploader(putter, S3Options{Bucket: "logs", MaxRetries: 5, RetryBackoff: time.Hour})
	path := writeExport(t, t.TempDir(), "kick_xqc_20251230_1030.jsonl")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	if _, err := u.Upload(ctx, path); !errors.Is(err, context.Canceled) {
		t.Errorf("Upload = %v, want context.Canceled", err)
	}
}

func TestArchiverUploadsAndCleansUp(t *testing.T) {
	key := message.NewKey("streamer", message.PlatformKick)
	st := seedStore(t, key, "a", "b")

	putter := &fakePutter{}
	exp := NewExporter(t.TempDir())
	a := New(exp, newUploader(putter, S3Options{Bucket: "logs"}), false)

	if err := a.Archive(context.Background(), key, st); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(putter.keys) != 1 {
		t.Fatalf("uploaded %v", putter.keys)
	}
	if files, _ := Pending(exp.Dir()); len(files) != 0 {
		t.Errorf("export kept after upload: %v", files)
	}
}

func TestArchiverKeepsFailedExportForLater(t *testing.T) {
	key := message.NewKey("streamer", message.PlatformKick)
	st := seedStore(t, key, "a")

	putter := &fakePutter{failures: 1}
	exp := NewExporter(t.TempDir())
	a := New(exp, newUploader(putter, S3Options{Bucket: "logs"}), false)

	if err := a.Archive(context.Background(), key, st); err == nil {
		t.Fatal("expected upload failure")
	}
	if files, _ := Pending(exp.Dir()); len(files) != 1 {
		t.Fatalf("pending = %v, want the failed export", files)
	}

	uploaded, err := a.UploadPending(context.Background())
	if err != nil || uploaded != 1 {
		t.Errorf("UploadPending = %d, %v", uploaded, err)
	}
	if files, _ := Pending(exp.Dir()); len(files) != 0 {
		t.Errorf("pending after retry = %v", files)
	}
}

func TestArchiverSkipsEmptyHistory(t *testing.T) {
	key := message.NewKey("quiet", message.PlatformTwitch)
	st := seedStore(t, key)

	exp := NewExporter(t.TempDir())
	a := New(exp, nil, false)
	if err := a.Archive(context.Background(), key, st); err != nil {
		t.Fatal(err)
	}
	if files, _ := Pending(exp.Dir()); len(files) != 0 {
		t.Errorf("empty history exported: %v", files)
	}
}

func TestArchiverWithoutUploaderKeepsExport(t *testing.T) {
	key := message.NewKey("local", message.PlatformTwitch)
	st := seedStore(t, key, "x")

	exp := NewExporter(t.TempDir())
	a := New(exp, nil, false)
	if err := a.Archive(context.Background(), key, st); err != nil {
		t.Fatal(err)
	}
	if files, _ := Pending(exp.Dir()); len(files) != 1 {
		t.Errorf("export files = %v, want 1", files)
	}
}
