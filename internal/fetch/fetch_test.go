package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/mindmill/internal/audio"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		ref  string
		want Platform
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", PlatformYouTube},
		{"https://youtu.be/dQw4w9WgXcQ", PlatformYouTube},
		{"https://m.youtube.com/watch?v=dQw4w9WgXcQ", PlatformYouTube},
		{"https://www.bilibili.com/video/BV1GJ411x7h7", PlatformBilibili},
		{"https://www.xiaoyuzhoufm.com/episode/6387abc123", PlatformXiaoyuzhou},
		{"https://example.com/some/page", PlatformUnknown},
		{"ftp://example.com/file.mp3", PlatformUnknown},
		{"recordings/meeting.mp3", PlatformLocal},
		{"/abs/path/talk.m4a", PlatformLocal},
		{"", PlatformUnknown},
		{"   ", PlatformUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.ref); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.ref, got, tc.want)
		}
	}
}

func TestContentID(t *testing.T) {
	cases := []struct {
		platform Platform
		ref      string
		want     string
		ok       bool
	}{
		{PlatformYouTube, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{PlatformYouTube, "http://youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{PlatformYouTube, "https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{PlatformYouTube, "https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{PlatformYouTube, "https://www.youtube.com/v/dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{PlatformYouTube, "https://www.youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ", true},
		{PlatformYouTube, "https://www.youtube.com/playlist?list=PL123", "", false},
		{PlatformBilibili, "https://www.bilibili.com/video/BV1GJ411x7h7", "BV1GJ411x7h7", true},
		{PlatformBilibili, "https://www.bilibili.com/video/av170001", "av170001", true},
		{PlatformBilibili, "https://www.bilibili.com/", "", false},
		{PlatformXiaoyuzhou, "https://www.xiaoyuzhoufm.com/episode/6387abc123", "6387abc123", true},
		{PlatformXiaoyuzhou, "https://www.xiaoyuzhoufm.com/podcast/xyz", "", false},
		{PlatformLocal, "/some/file.mp3", "", false},
	}
	for _, tc := range cases {
		got, ok := ContentID(tc.platform, tc.ref)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ContentID(%s, %q) = %q,%v want %q,%v", tc.platform, tc.ref, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := []struct{ in, want string }{
		{`Ep 12: "Why Go?" <part 1/2>`, "Ep 12 Why Go part 12"},
		{"plain title", "plain title"},
		{"  padded  ", "padded"},
		{strings.Repeat("长", 150), strings.Repeat("长", 100)},
	}
	for _, tc := range cases {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// fakeRunner records invocations and plays back scripted results.
type fakeRunner struct {
	calls   [][]string
	results []audio.Result
	errs    []error
	onRun   func(name string, args []string)
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (audio.Result, error) {
	i := len(f.calls)
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.onRun != nil {
		f.onRun(name, args)
	}
	var res audio.Result
	if i < len(f.results) {
		res = f.results[i]
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return res, err
}

func TestYtdlpFetch(t *testing.T) {
	dir := t.TempDir()
	audioFile := filepath.Join(dir, "Cool Talk.mp3")
	if err := os.WriteFile(audioFile, []byte("mp3"), 0o644); err != nil {
		t.Fatal(err)
	}

	fr := &fakeRunner{results: []audio.Result{{Stdout: "Cool Talk\n" + audioFile + "\n"}}}
	f := &YtdlpFetcher{bin: "yt-dlp", audioDir: dir, runner: fr, log: zerolog.Nop()}

	media, err := f.Fetch(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if media.Title != "Cool Talk" || media.AudioPath != audioFile {
		t.Errorf("Fetch = %+v", media)
	}

	if len(fr.calls) != 1 || fr.calls[0][0] != "yt-dlp" {
		t.Fatalf("runner calls = %v", fr.calls)
	}
	argv := strings.Join(fr.calls[0], " ")
	for _, want := range []string{"--no-playlist", "--audio-format mp3", "--print title", "--print after_move:filepath"} {
		if !strings.Contains(argv, want) {
			t.Errorf("yt-dlp argv missing %q: %s", want, argv)
		}
	}
	if last := fr.calls[0][len(fr.calls[0])-1]; last != "https://youtu.be/dQw4w9WgXcQ" {
		t.Errorf("reference is not the last argument: %s", last)
	}
}

func TestYtdlpFetchErrors(t *testing.T) {
	t.Run("runner_error", func(t *testing.T) {
		fr := &fakeRunner{
			results: []audio.Result{{Stderr: "ERROR: video unavailable", ExitCode: 1}},
			errs:    []error{errors.New("exit status 1")},
		}
		f := &YtdlpFetcher{bin: "yt-dlp", audioDir: t.TempDir(), runner: fr, log: zerolog.Nop()}
		_, err := f.Fetch(context.Background(), "https://youtu.be/xxxxxxxxxxx")
		if err == nil || !strings.Contains(err.Error(), "video unavailable") {
			t.Errorf("err = %v, want stderr detail", err)
		}
	})

	t.Run("short_output", func(t *testing.T) {
		fr := &fakeRunner{results: []audio.Result{{Stdout: "only a title\n"}}}
		f := &YtdlpFetcher{bin: "yt-dlp", audioDir: t.TempDir(), runner: fr, log: zerolog.Nop()}
		if _, err := f.Fetch(context.Background(), "https://youtu.be/xxxxxxxxxxx"); err == nil {
			t.Error("Fetch = nil error for truncated output")
		}
	})

	t.Run("reported_file_missing", func(t *testing.T) {
		fr := &fakeRunner{results: []audio.Result{{Stdout: "t\n/nonexistent/t.mp3\n"}}}
		f := &YtdlpFetcher{bin: "yt-dlp", audioDir: t.TempDir(), runner: fr, log: zerolog.Nop()}
		if _, err := f.Fetch(context.Background(), "https://youtu.be/xxxxxxxxxxx"); err == nil {
			t.Error("Fetch = nil error when reported file is missing")
		}
	})
}

func episodePage(mediaURL string) string {
	return fmt.Sprintf(`<!DOCTYPE html><html><head>
<script type="application/ld+json">
{"name":"My Episode: Part 1","associatedMedia":{"contentUrl":"%s"},"partOfSeries":{"name":"Some Podcast"}}
</script>
</head><body></body></html>`, mediaURL)
}

func TestXiaoyuzhouFetch(t *testing.T) {
	var baseURL string
	var mediaHits int
	mux := http.NewServeMux()
	mux.HandleFunc("/episode/abc", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, episodePage(baseURL+"/media.m4a"))
	})
	mux.HandleFunc("/media.m4a", func(w http.ResponseWriter, r *http.Request) {
		mediaHits++
		fmt.Fprint(w, "fake-audio-bytes")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	baseURL = srv.URL

	dir := t.TempDir()
	fr := &fakeRunner{onRun: func(name string, args []string) {
		out := args[len(args)-1]
		if err := os.WriteFile(out, []byte("converted"), 0o644); err != nil {
			t.Fatal(err)
		}
	}}
	f := &XiaoyuzhouFetcher{httpClient: srv.Client(), ffmpegBin: "ffmpeg", audioDir: dir, runner: fr, log: zerolog.Nop()}

	media, err := f.Fetch(context.Background(), srv.URL+"/episode/abc")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if media.Title != "My Episode: Part 1" {
		t.Errorf("Title = %q", media.Title)
	}
	wantPath := filepath.Join(dir, "My Episode Part 1.mp3")
	if media.AudioPath != wantPath {
		t.Errorf("AudioPath = %q, want %q", media.AudioPath, wantPath)
	}
	if _, err := os.Stat(wantPath); err != nil {
		t.Errorf("converted audio missing: %v", err)
	}
	if mediaHits != 1 {
		t.Errorf("enclosure downloaded %d times, want 1", mediaHits)
	}

	argv := strings.Join(fr.calls[0], " ")
	for _, want := range []string{"-ac 1", "-ar 16000", "-b:a 48k"} {
		if !strings.Contains(argv, want) {
			t.Errorf("ffmpeg argv missing %q: %s", want, argv)
		}
	}

	leftovers, _ := filepath.Glob(filepath.Join(dir, "enclosure-*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temp files not cleaned up: %v", leftovers)
	}

	// A second fetch sees the converted file and skips the download.
	if _, err := f.Fetch(context.Background(), srv.URL+"/episode/abc"); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if mediaHits != 1 {
		t.Errorf("enclosure re-downloaded for cached audio")
	}
	if len(fr.calls) != 1 {
		t.Errorf("ffmpeg re-ran for cached audio")
	}
}

func TestXiaoyuzhouFetchNoMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><head></head><body>nothing here</body></html>")
	}))
	defer srv.Close()

	f := &XiaoyuzhouFetcher{httpClient: srv.Client(), ffmpegBin: "ffmpeg", audioDir: t.TempDir(), runner: &fakeRunner{}, log: zerolog.Nop()}
	if _, err := f.Fetch(context.Background(), srv.URL+"/episode/abc"); err == nil {
		t.Error("Fetch = nil error for page without ld+json")
	}
}

func TestLocalFetcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "standup recording.m4a")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	media, err := LocalFetcher{}.Fetch(context.Background(), path)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if media.Title != "standup recording" {
		t.Errorf("Title = %q, want file stem", media.Title)
	}
	if media.AudioPath != path {
		t.Errorf("AudioPath = %q, want %q", media.AudioPath, path)
	}

	if _, err := (LocalFetcher{}).Fetch(context.Background(), filepath.Join(dir, "missing.mp3")); err == nil {
		t.Error("Fetch = nil error for missing file")
	}
	if _, err := (LocalFetcher{}).Fetch(context.Background(), dir); err == nil {
		t.Error("Fetch = nil error for a directory")
	}
}

func TestResolverFor(t *testing.T) {
	r := NewResolver("yt-dlp", "ffmpeg", t.TempDir(), zerolog.Nop())
	for _, p := range []Platform{PlatformYouTube, PlatformBilibili, PlatformXiaoyuzhou, PlatformLocal} {
		if _, err := r.For(p); err != nil {
			t.Errorf("For(%s): %v", p, err)
		}
	}
	if _, err := r.For(PlatformUnknown); !errors.Is(err, ErrUnsupportedReference) {
		t.Errorf("For(unknown) = %v, want ErrUnsupportedReference", err)
	}
}
