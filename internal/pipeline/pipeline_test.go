package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/snarg/mindmill/internal/cache"
	"github.com/snarg/mindmill/internal/config"
	"github.com/snarg/mindmill/internal/fetch"
	"github.com/snarg/mindmill/internal/transcribe"
)

const ytRef = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

const transcriptText = "kubernetes scheduler etcd kubernetes scheduler kubernetes watch loop watch"

// validOutline passes validation against transcriptText: twelve lines,
// three indent widths, and every top keyword present.
const validOutline = `# Talk About Go
- Overview
  - kubernetes control plane
    - etcd stores cluster state
- Scheduling
  - scheduler assigns pods
    - watch loop drives decisions
- Operations
  - upgrades
    - rolling restarts
- Summary
  - recap`

type fakeFetcher struct {
	title   string
	path    string
	content []byte
	err     error
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref string) (*fetch.Media, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if err := os.WriteFile(f.path, f.content, 0o644); err != nil {
		return nil, err
	}
	return &fetch.Media{Title: f.title, AudioPath: f.path}, nil
}

type fakeFetchers struct {
	fetcher *fakeFetcher
}

func (f fakeFetchers) For(p fetch.Platform) (fetch.Fetcher, error) {
	if f.fetcher == nil {
		return nil, fetch.ErrUnsupportedReference
	}
	return f.fetcher, nil
}

type fakeEngine struct {
	text  string
	errs  []error // consumed one per call; nil or exhausted = success
	calls int
}

func (e *fakeEngine) Transcribe(ctx context.Context, art *transcribe.Artifact) (string, error) {
	e.calls++
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return e.text, nil
}

// fakeTranslator echoes its input so the outline source and cache keys
// stay deterministic across tests.
type fakeTranslator struct {
	err   error
	calls int
}

func (tr *fakeTranslator) Translate(ctx context.Context, text string) (string, error) {
	tr.calls++
	if tr.err != nil {
		return "", tr.err
	}
	return text, nil
}

type fakeOutliner struct {
	doc      string
	degraded bool
	err      error
	calls    int
	titles   []string
	sources  []string
}

func (o *fakeOutliner) Generate(ctx context.Context, title, source string) (string, bool, error) {
	o.calls++
	o.titles = append(o.titles, title)
	o.sources = append(o.sources, source)
	if o.err != nil {
		return "", false, o.err
	}
	return o.doc, o.degraded, nil
}

type testEnv struct {
	cfg     *config.Config
	pipe    *Pipeline
	fetcher *fakeFetcher
	engine  *fakeEngine
	trans   *fakeTranslator
	outl    *fakeOutliner
	store   *cache.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir()}
	fetcher := &fakeFetcher{
		title:   "Talk About Go",
		path:    filepath.Join(cfg.DataDir, "Talk About Go.mp3"),
		content: []byte("fake mp3 bytes"),
	}
	engine := &fakeEngine{text: transcriptText}
	trans := &fakeTranslator{}
	outl := &fakeOutliner{doc: validOutline}
	env := &testEnv{
		cfg:     cfg,
		fetcher: fetcher,
		engine:  engine,
		trans:   trans,
		outl:    outl,
		store:   cache.NewStore(cfg.CacheDir(), zerolog.Nop()),
	}
	env.pipe = New(cfg, Deps{
		Fetchers:   fakeFetchers{fetcher: fetcher},
		Engine:     engine,
		Translator: trans,
		Outliner:   outl,
		Store:      env.store,
		Identities: cache.NewIdentityCache(cfg.CacheDir(), zerolog.Nop()),
	}, zerolog.Nop())
	return env
}

func stageOf(t *testing.T, err error) string {
	t.Helper()
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error %v does not carry a stage", err)
	}
	return se.Stage
}

func TestProcessHappyPath(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.pipe.Process(context.Background(), NewJob(ytRef))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if res.Title != "Talk About Go" {
		t.Errorf("Title = %q", res.Title)
	}
	if res.Original != transcriptText {
		t.Errorf("Original = %q", res.Original)
	}
	if res.Translated == "" {
		t.Error("Translated empty, want echo translation")
	}
	if res.OutlineDegraded {
		t.Error("OutlineDegraded = true for a valid outline")
	}

	wantTxt := filepath.Join(env.cfg.TextDir(), "Talk About Go.txt")
	if res.TranscriptPath != wantTxt {
		t.Errorf("TranscriptPath = %q, want %q", res.TranscriptPath, wantTxt)
	}
	data, err := os.ReadFile(res.TranscriptPath)
	if err != nil {
		t.Fatalf("read transcript artifact: %v", err)
	}
	if string(data) != transcriptText {
		t.Errorf("transcript artifact = %q, want original transcript", data)
	}

	wantMD := filepath.Join(env.cfg.MindmapDir(), "Talk About Go.md")
	if res.OutlinePath != wantMD {
		t.Errorf("OutlinePath = %q, want %q", res.OutlinePath, wantMD)
	}
	data, err = os.ReadFile(res.OutlinePath)
	if err != nil {
		t.Fatalf("read outline artifact: %v", err)
	}
	if string(data) != validOutline {
		t.Errorf("outline artifact = %q", data)
	}

	if env.fetcher.calls != 1 || env.engine.calls != 1 || env.trans.calls != 1 || env.outl.calls != 1 {
		t.Errorf("calls = fetch %d, transcribe %d, translate %d, outline %d; want 1 each",
			env.fetcher.calls, env.engine.calls, env.trans.calls, env.outl.calls)
	}

	// Fetched audio is removed once the transcript is durably cached
	if _, err := os.Stat(env.fetcher.path); !os.IsNotExist(err) {
		t.Error("fetched audio still on disk after successful run")
	}
}

func TestProcessSecondRunUsesCaches(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.pipe.Process(context.Background(), NewJob(ytRef)); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	res, err := env.pipe.Process(context.Background(), NewJob(ytRef))
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}

	// Cleanup removed the audio, so the second run fetches again; the
	// hash matches, so transcription and outline generation do not.
	if env.fetcher.calls != 2 {
		t.Errorf("fetch calls = %d, want 2", env.fetcher.calls)
	}
	if env.engine.calls != 1 {
		t.Errorf("transcribe calls = %d, want 1", env.engine.calls)
	}
	if env.outl.calls != 1 {
		t.Errorf("outline calls = %d, want 1", env.outl.calls)
	}
	if res.Original != transcriptText {
		t.Errorf("second run Original = %q", res.Original)
	}
}

func TestProcessResumesAfterTranscribeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.engine.errs = []error{errors.New("asr blew up")}

	_, err := env.pipe.Process(context.Background(), NewJob(ytRef))
	if err == nil {
		t.Fatal("Process succeeded despite transcription failure")
	}
	if got := stageOf(t, err); got != "transcribe" {
		t.Errorf("stage = %q, want transcribe", got)
	}
	if IsCancelled(err) {
		t.Error("transcription failure reported as cancellation")
	}

	// Failed runs keep the audio so the next attempt can resume
	if _, err := os.Stat(env.fetcher.path); err != nil {
		t.Fatal("fetched audio removed after failed run")
	}
	if entries, _ := os.ReadDir(env.cfg.TextDir()); len(entries) != 0 {
		t.Errorf("failed run left %d artifacts in text dir", len(entries))
	}

	res, err := env.pipe.Process(context.Background(), NewJob(ytRef))
	if err != nil {
		t.Fatalf("retry Process: %v", err)
	}
	if env.fetcher.calls != 1 {
		t.Errorf("fetch calls = %d, want 1 (identity cache should skip the refetch)", env.fetcher.calls)
	}
	if env.engine.calls != 2 {
		t.Errorf("transcribe calls = %d, want 2", env.engine.calls)
	}
	if res.TranscriptPath == "" || res.OutlinePath == "" {
		t.Error("retry produced no artifacts")
	}
}

func TestProcessSkipsTranslationForHanText(t *testing.T) {
	env := newTestEnv(t)
	env.engine.text = strings.Repeat("机器学习模型训练", 5) + " GPU"

	res, err := env.pipe.Process(context.Background(), NewJob(ytRef))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if env.trans.calls != 0 {
		t.Errorf("translate calls = %d, want 0 for mostly-Han transcript", env.trans.calls)
	}
	if res.Translated != "" {
		t.Errorf("Translated = %q, want empty when skipped", res.Translated)
	}
	if env.outl.sources[0] != env.engine.text {
		t.Error("outline source is not the original transcript")
	}
}

func TestProcessTranslationFailureNonFatal(t *testing.T) {
	env := newTestEnv(t)
	env.trans.err = errors.New("llm unreachable")

	res, err := env.pipe.Process(context.Background(), NewJob(ytRef))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Translated != "" {
		t.Errorf("Translated = %q, want empty after translation failure", res.Translated)
	}
	if env.outl.sources[0] != transcriptText {
		t.Errorf("outline source = %q, want original transcript", env.outl.sources[0])
	}
	if res.OutlinePath == "" {
		t.Error("no outline written")
	}
}

func TestProcessTranslationCancellationAborts(t *testing.T) {
	env := newTestEnv(t)
	env.trans.err = fmt.Errorf("rpc: %w", context.Canceled)

	_, err := env.pipe.Process(context.Background(), NewJob(ytRef))
	if err == nil {
		t.Fatal("Process succeeded despite cancellation during translation")
	}
	if !IsCancelled(err) {
		t.Errorf("IsCancelled(%v) = false", err)
	}
	if got := stageOf(t, err); got != "translate" {
		t.Errorf("stage = %q, want translate", got)
	}
	if entries, _ := os.ReadDir(env.cfg.TextDir()); len(entries) != 0 {
		t.Error("cancelled run left artifacts behind")
	}
	if _, err := os.Stat(env.fetcher.path); err != nil {
		t.Error("audio removed on a run that did not complete")
	}
}

func TestProcessCancelledBeforeFetch(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := env.pipe.Process(ctx, NewJob(ytRef))
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if res != nil {
		t.Errorf("res = %+v, want nil", res)
	}
	if env.fetcher.calls != 0 {
		t.Errorf("fetch calls = %d, want 0", env.fetcher.calls)
	}
}

func TestProcessRawText(t *testing.T) {
	env := newTestEnv(t)
	note := "Meeting Notes 2024\n" + transcriptText

	res, err := env.pipe.Process(context.Background(), NewJob(note))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if env.fetcher.calls != 0 || env.engine.calls != 0 {
		t.Errorf("raw text went through fetch (%d) or transcribe (%d)", env.fetcher.calls, env.engine.calls)
	}
	if res.Title != "Meeting Notes 2024" {
		t.Errorf("Title = %q", res.Title)
	}
	if res.Original != note {
		t.Errorf("Original = %q, want pasted text", res.Original)
	}
	want := filepath.Join(env.cfg.TextDir(), "Meeting Notes 2024.txt")
	if res.TranscriptPath != want {
		t.Errorf("TranscriptPath = %q, want %q", res.TranscriptPath, want)
	}
	if _, err := os.Stat(res.OutlinePath); err != nil {
		t.Errorf("outline artifact missing: %v", err)
	}
}

func TestProcessUnsupportedReference(t *testing.T) {
	env := newTestEnv(t)

	for _, ref := range []string{"ftp://example.com/talk.mp3", "https://vimeo.com/123456"} {
		_, err := env.pipe.Process(context.Background(), NewJob(ref))
		if !errors.Is(err, fetch.ErrUnsupportedReference) {
			t.Errorf("Process(%q) err = %v, want ErrUnsupportedReference", ref, err)
		}
		if got := stageOf(t, err); got != "classify" {
			t.Errorf("stage = %q, want classify", got)
		}
	}
	if env.fetcher.calls != 0 {
		t.Errorf("fetch calls = %d, want 0", env.fetcher.calls)
	}
}

func TestProcessRegeneratesInvalidCachedOutline(t *testing.T) {
	env := newTestEnv(t)

	key := "Talk About Go_" + cache.Short(cache.HashString(transcriptText))
	if err := env.store.Put(cache.StageOutline, key, "# stub\n- a"); err != nil {
		t.Fatal(err)
	}

	res, err := env.pipe.Process(context.Background(), NewJob(ytRef))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if env.outl.calls != 1 {
		t.Errorf("outline calls = %d, want 1 (invalid cache entry must be regenerated)", env.outl.calls)
	}
	got, ok := env.store.Get(cache.StageOutline, key)
	if !ok || got != validOutline {
		t.Errorf("cached outline = %q, want regenerated document", got)
	}
	data, _ := os.ReadFile(res.OutlinePath)
	if string(data) != validOutline {
		t.Errorf("outline artifact = %q, want regenerated document", data)
	}
}

func TestProcessReportsDegradedOutline(t *testing.T) {
	env := newTestEnv(t)
	env.outl.degraded = true

	res, err := env.pipe.Process(context.Background(), NewJob(ytRef))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !res.OutlineDegraded {
		t.Error("OutlineDegraded = false, want true")
	}
}

func TestNewJob(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "talk.wav")
	if err := os.WriteFile(existing, []byte("riff"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		ref      string
		kind     Kind
		platform fetch.Platform
	}{
		{"youtube", ytRef, KindURL, fetch.PlatformYouTube},
		{"existing_file", existing, KindURL, fetch.PlatformLocal},
		{"missing_audio_path", "missing/talk.mp3", KindURL, fetch.PlatformLocal},
		{"pasted_text", "just some pasted meeting notes", KindRawText, fetch.PlatformUnknown},
		{"empty", "", KindURL, fetch.PlatformUnknown},
		{"whitespace_trimmed", "  " + ytRef + "  ", KindURL, fetch.PlatformYouTube},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob(tt.ref)
			if job.Kind != tt.kind || job.Platform != tt.platform {
				t.Errorf("NewJob(%q) = kind %s platform %s, want %s %s",
					tt.ref, job.Kind, job.Platform, tt.kind, tt.platform)
			}
			if job.Reference != strings.TrimSpace(tt.ref) {
				t.Errorf("Reference = %q, want trimmed input", job.Reference)
			}
		})
	}
}

func TestHanFraction(t *testing.T) {
	tests := []struct {
		text string
		want float64
	}{
		{"hello world", 0},
		{"你好世界", 1},
		{"go 语言", 0.5},
		{"", 0},
		{"!!! ...", 0},
	}
	for _, tt := range tests {
		if got := hanFraction(tt.text); got != tt.want {
			t.Errorf("hanFraction(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestRawTextTitle(t *testing.T) {
	if got := rawTextTitle("My Notes\nbody text"); got != "My Notes" {
		t.Errorf("rawTextTitle = %q, want My Notes", got)
	}
	if got := rawTextTitle("\n  \nSecond Line\nmore"); got != "Second Line" {
		t.Errorf("rawTextTitle = %q, want Second Line", got)
	}
	if got := rawTextTitle(strings.Repeat("标", 80)); utf8.RuneCountInString(got) != maxRawTitleRunes {
		t.Errorf("rawTextTitle length = %d runes, want %d", utf8.RuneCountInString(got), maxRawTitleRunes)
	}
	got := rawTextTitle("???")
	if !strings.HasPrefix(got, "note-") || len(got) != len("note-")+8 {
		t.Errorf("rawTextTitle(unusable) = %q, want note-<short hash>", got)
	}
}

func TestIsCancelled(t *testing.T) {
	if !IsCancelled(&StageError{Stage: "translate", Err: context.Canceled}) {
		t.Error("wrapped context.Canceled not recognized")
	}
	if !IsCancelled(fmt.Errorf("poll: %w", context.DeadlineExceeded)) {
		t.Error("wrapped DeadlineExceeded not recognized")
	}
	if IsCancelled(errors.New("boom")) {
		t.Error("ordinary error misread as cancellation")
	}
}
