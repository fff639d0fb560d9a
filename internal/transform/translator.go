package transform

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snarg/mindmill/internal/metrics"
	"github.com/snarg/mindmill/internal/retry"
)

const translateSystem = "You are a professional translator. Translate the user's text into " +
	"Simplified Chinese. Keep technical terms, product names, and timestamps unchanged. " +
	"Reply with the translation only, no commentary."

// maxTranslateRunes bounds one translation request so long transcripts
// fit the model's context window.
const maxTranslateRunes = 3000

type completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Translator translates transcripts piecewise and reassembles them in
// order. Each piece goes through the shared retry policy.
type Translator struct {
	client completer
	policy retry.Policy
	log    zerolog.Logger
}

func NewTranslator(client *Client, policy retry.Policy, log zerolog.Logger) *Translator {
	return &Translator{
		client: client,
		policy: policy,
		log:    log.With().Str("component", "translator").Logger(),
	}
}

// Translate renders text in the target language. The input is split on
// line boundaries into pieces under maxTranslateRunes and the translated
// pieces are joined in their original order.
func (t *Translator) Translate(ctx context.Context, text string) (string, error) {
	pieces := splitForTranslation(text, maxTranslateRunes)
	t.log.Debug().Int("pieces", len(pieces)).Msg("translating")

	results := make([]string, len(pieces))
	for i, piece := range pieces {
		var out string
		err := t.policy.Do(ctx, t.log, "translate", func() error {
			s, err := t.client.Complete(ctx, translateSystem, piece)
			if err != nil {
				return err
			}
			out = s
			return nil
		})
		if err != nil {
			metrics.TransformRequestsTotal.WithLabelValues("translate", "error").Inc()
			return "", fmt.Errorf("translate piece %d/%d: %w", i+1, len(pieces), err)
		}
		metrics.TransformRequestsTotal.WithLabelValues("translate", "ok").Inc()
		results[i] = strings.TrimSpace(out)
	}
	return strings.Join(results, "\n"), nil
}

// splitForTranslation groups lines into pieces of at most limit runes.
// A single line longer than the limit is hard-split.
func splitForTranslation(text string, limit int) []string {
	if limit < 1 || len([]rune(text)) <= limit {
		return []string{text}
	}

	var pieces []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen > 0 {
			pieces = append(pieces, strings.TrimRight(current.String(), "\n"))
			current.Reset()
			currentLen = 0
		}
	}

	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		for len(runes) > limit {
			flush()
			pieces = append(pieces, string(runes[:limit]))
			runes = runes[limit:]
		}
		if currentLen+len(runes)+1 > limit {
			flush()
		}
		current.WriteString(string(runes))
		current.WriteByte('\n')
		currentLen += len(runes) + 1
	}
	flush()
	return pieces
}
