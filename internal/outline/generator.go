package outline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/mindmill/internal/metrics"
	"github.com/snarg/mindmill/internal/remote"
	"github.com/snarg/mindmill/internal/retry"
)

const outlineSystem = `You are an expert at distilling long transcripts into markdown mind maps.

Produce a single markdown outline of the transcript:
- Start with exactly one "# " root heading naming the topic.
- Group the material under "## " sections covering how the topic is introduced, the methods or reasoning used, and the core takeaways.
- Under each section use nested "- " list items, at least three levels deep, from broad themes down to concrete details.
- Carry important terms, names and numbers over verbatim from the transcript.
- If the transcript contains timestamps like [12:34], keep them on the matching items.
- Write at least 10 lines. Reply with the markdown only, no commentary.`

const generationAttempts = 2

// Completer produces one chat completion.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Generator turns transcript text into a validated mind-map outline.
type Generator struct {
	client Completer
	policy retry.Policy
	model  string
	now    func() time.Time
	log    zerolog.Logger
}

func NewGenerator(client Completer, policy retry.Policy, model string, log zerolog.Logger) *Generator {
	return &Generator{
		client: client,
		policy: policy,
		model:  model,
		now:    time.Now,
		log:    log.With().Str("component", "outline").Logger(),
	}
}

// Generate produces up to two candidates and keeps the best one. The
// second return reports degraded mode: no candidate validated, the
// richest one was kept anyway. Generate errors only when every attempt
// failed to produce any candidate at all.
func (g *Generator) Generate(ctx context.Context, title, source string) (string, bool, error) {
	user := fmt.Sprintf("Transcript title: %s\n\nTranscript:\n%s", title, source)

	var candidates []Candidate
	var lastErr error
	for attempt := 1; attempt <= generationAttempts; attempt++ {
		var raw string
		err := g.policy.Do(ctx, g.log, "outline", func() error {
			var callErr error
			raw, callErr = g.client.Complete(ctx, outlineSystem, user)
			return callErr
		})
		if err != nil {
			metrics.TransformRequestsTotal.WithLabelValues("outline", "error").Inc()
			lastErr = err
			if remote.Fatal(err) || ctx.Err() != nil {
				break
			}
			continue
		}
		metrics.TransformRequestsTotal.WithLabelValues("outline", "ok").Inc()

		md := cleanCandidate(raw, title)
		v := Validate(md, source)
		if !v.Valid {
			g.log.Warn().Int("attempt", attempt).Str("reason", v.Reason).Msg("outline candidate failed validation")
		}
		candidates = append(candidates, Candidate{Markdown: md, Validation: v})
	}
	if len(candidates) == 0 {
		return "", false, fmt.Errorf("outline generation: %w", lastErr)
	}

	best, degraded := Select(candidates)
	if degraded {
		g.log.Warn().Str("reason", best.Validation.Reason).Msg("no outline candidate validated, keeping richest")
	}
	out := fmt.Sprintf("<!-- Generated by %s at %s -->\n\n%s",
		g.model, g.now().UTC().Format(time.RFC3339), best.Markdown)
	return out, degraded, nil
}

var (
	fenceRe = regexp.MustCompile("(?s)```markdown\\s*\n(.*?)```")
	noteRe  = regexp.MustCompile(`(?s)\n*Note:.*$`)
)

// cleanCandidate strips chat wrapping from a raw completion, either a
// markdown code fence or a trailing commentary block, then guarantees
// a root heading.
func cleanCandidate(raw, title string) string {
	content := strings.TrimSpace(raw)
	if m := fenceRe.FindStringSubmatch(content); m != nil {
		content = m[1]
	} else {
		content = noteRe.ReplaceAllString(content, "")
	}
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "# ") {
		content = fmt.Sprintf("# %s\n\n%s", title, content)
	}
	return content
}
