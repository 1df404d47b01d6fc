package validate

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strings"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiwa-ai/kaiwa/internal/model"
	"github.com/kaiwa-ai/kaiwa/internal/patterns"
)

// bagProvider embeds text as a bag-of-words vector so identical phrases
// have cosine similarity 1.0 and unrelated phrases score near zero.
type bagProvider struct {
	fail bool
}

func (p *bagProvider) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	if p.fail {
		return pgvector.Vector{}, errors.New("embedding model offline")
	}
	vec := make([]float32, 256)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[h.Sum32()%256]++
	}
	return pgvector.NewVector(vec), nil
}

func (p *bagProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = v
	}
	return vecs, nil
}

func (p *bagProvider) Dimensions() int { return 256 }

func newTestValidator(t *testing.T, provider *bagProvider) *Validator {
	t.Helper()
	cache, err := patterns.New(provider, patterns.Options{ConfidenceThreshold: 0.55}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, cache.Init(context.Background()))
	t.Cleanup(func() { _ = cache.Close() })
	return New(cache, 0.65, slog.Default())
}

// linkedSession builds solution@0, unrelated@1, feedback@2 with chain
// fields already populated.
func linkedSession(feedbackText string) (sol, mid, fb *model.ConversationEntry) {
	sol = &model.ConversationEntry{
		ID: "sol", SessionID: "s1", SequencePosition: 0, Role: "assistant",
		Text: "Try reinstalling the package:\n```sh\nnpm install\n```", HasCode: true,
		IsSolutionAttempt: true,
	}
	mid = &model.ConversationEntry{
		ID: "mid", SessionID: "s1", SequencePosition: 1, Role: "assistant",
		Text: "Let me know how that goes.",
	}
	fb = &model.ConversationEntry{
		ID: "fb", SessionID: "s1", SequencePosition: 2, Role: "user",
		Text: feedbackText,
	}
	sol.FeedbackMessageID = &fb.ID
	fb.RelatedSolutionID = &sol.ID
	fb.IsFeedbackToSolution = true
	return sol, mid, fb
}

func TestValidateFeedbackPositive(t *testing.T) {
	v := newTestValidator(t, &bagProvider{})
	sol, mid, fb := linkedSession("that worked perfectly")

	stats := v.ValidateFeedback(context.Background(), []*model.ConversationEntry{sol, mid, fb})

	assert.Equal(t, 1, stats.FeedbackClassified)
	assert.Equal(t, 1, stats.Validated)
	assert.Equal(t, model.SentimentPositive, fb.UserFeedbackSentiment)
	assert.InDelta(t, 1.0, fb.ValidationStrength, 1e-6)
	assert.True(t, sol.IsValidatedSolution)
	assert.False(t, sol.IsRefutedAttempt)
	require.NotNil(t, fb.OutcomeCertainty)
	assert.GreaterOrEqual(t, *fb.OutcomeCertainty, 0.0)
	assert.LessOrEqual(t, *fb.OutcomeCertainty, 1.0)
}

func TestValidateFeedbackNegative(t *testing.T) {
	v := newTestValidator(t, &bagProvider{})
	sol, mid, fb := linkedSession("still not working")

	stats := v.ValidateFeedback(context.Background(), []*model.ConversationEntry{sol, mid, fb})

	assert.Equal(t, 1, stats.Refuted)
	assert.Equal(t, model.SentimentNegative, fb.UserFeedbackSentiment)
	assert.True(t, sol.IsRefutedAttempt)
	assert.False(t, sol.IsValidatedSolution)
}

func TestValidateFeedbackPartialIsCounted(t *testing.T) {
	v := newTestValidator(t, &bagProvider{})
	sol, mid, fb := linkedSession("partially working")

	stats := v.ValidateFeedback(context.Background(), []*model.ConversationEntry{sol, mid, fb})

	assert.Equal(t, 1, stats.FeedbackClassified)
	assert.Equal(t, 1, stats.Partial)
	assert.Equal(t, 0, stats.Validated)
	assert.Equal(t, 0, stats.Refuted)
	assert.Equal(t, 0, stats.Neutral)
	assert.Equal(t, model.SentimentPartial, fb.UserFeedbackSentiment)
	// Partial feedback neither validates nor refutes the solution.
	assert.False(t, sol.IsValidatedSolution)
	assert.False(t, sol.IsRefutedAttempt)
}

func TestValidateFeedbackBelowThresholdIsNeutral(t *testing.T) {
	v := newTestValidator(t, &bagProvider{})
	sol, mid, fb := linkedSession("could you summarize our earlier discussion about databases")

	stats := v.ValidateFeedback(context.Background(), []*model.ConversationEntry{sol, mid, fb})

	assert.Equal(t, 1, stats.Neutral)
	assert.Equal(t, model.SentimentNeutral, fb.UserFeedbackSentiment)
	assert.Equal(t, 0.0, fb.ValidationStrength)
	assert.False(t, sol.IsValidatedSolution)
	assert.False(t, sol.IsRefutedAttempt)
}

func TestValidateFeedbackDegradesOnProviderFailure(t *testing.T) {
	provider := &bagProvider{}
	v := newTestValidator(t, provider)
	sol, mid, fb := linkedSession("this text has never been embedded before")

	provider.fail = true
	stats := v.ValidateFeedback(context.Background(), []*model.ConversationEntry{sol, mid, fb})

	require.Len(t, stats.Errors, 1)
	assert.Equal(t, 1, stats.Neutral)
	assert.Equal(t, model.SentimentNeutral, fb.UserFeedbackSentiment)
	assert.Equal(t, 0.0, fb.ValidationStrength)
	require.NotNil(t, fb.OutcomeCertainty)
	assert.Equal(t, 0.0, *fb.OutcomeCertainty)
}

func TestValidatedAndRefutedMutuallyExclusive(t *testing.T) {
	v := newTestValidator(t, &bagProvider{})

	for _, text := range []string{
		"that worked perfectly",
		"still not working",
		"that helped but",
		"unrelated chatter about lunch",
	} {
		sol, mid, fb := linkedSession(text)
		v.ValidateFeedback(context.Background(), []*model.ConversationEntry{sol, mid, fb})
		assert.False(t, sol.IsValidatedSolution && sol.IsRefutedAttempt,
			"both flags set for feedback %q", text)
	}
}

func TestScoreSolutions(t *testing.T) {
	v := newTestValidator(t, &bagProvider{})
	sol1 := &model.ConversationEntry{ID: "a", IsSolutionAttempt: true, Text: "short", HasCode: false}
	sol2 := &model.ConversationEntry{ID: "b", IsSolutionAttempt: true, HasCode: true,
		Text: "1. Stop the service\n2. Clear the cache because stale keys break startup\n3. Restart\n```sh\nsystemctl restart app\n```"}
	other := &model.ConversationEntry{ID: "c", Text: "not a solution"}

	stats := v.ScoreSolutions([]*model.ConversationEntry{sol1, sol2, other})

	assert.Equal(t, 2, stats.SolutionsScored)
	assert.Equal(t, 0.0, other.SolutionQualityScore)
	assert.Greater(t, sol2.SolutionQualityScore, sol1.SolutionQualityScore)
	assert.GreaterOrEqual(t, sol1.SolutionQualityScore, 0.0)
	assert.InDelta(t, (sol1.SolutionQualityScore+sol2.SolutionQualityScore)/2, stats.AvgQuality, 1e-9)
}

func TestMarkSolutions(t *testing.T) {
	code := &model.ConversationEntry{ID: "a", Role: "assistant", HasCode: true,
		Text: "```sh\nnpm ci\n```"}
	steps := &model.ConversationEntry{ID: "b", Role: "assistant",
		Text: "1. stop the service\n2. clear the cache"}
	chatter := &model.ConversationEntry{ID: "c", Role: "assistant", Text: "sure, happy to help"}
	userCode := &model.ConversationEntry{ID: "d", Role: "user", HasCode: true,
		Text: "```\nhere is my broken config\n```"}

	marked := MarkSolutions([]*model.ConversationEntry{code, steps, chatter, userCode})

	assert.Equal(t, 2, marked)
	assert.True(t, code.IsSolutionAttempt)
	assert.True(t, steps.IsSolutionAttempt)
	assert.False(t, chatter.IsSolutionAttempt)
	assert.False(t, userCode.IsSolutionAttempt, "user messages are never solution attempts")
}

func TestQualityScore(t *testing.T) {
	tests := []struct {
		name string
		e    *model.ConversationEntry
		min  float64
		max  float64
	}{
		{
			name: "bare minimum",
			e:    &model.ConversationEntry{Text: "try again"},
			min:  qualityBaseline,
			max:  qualityBaseline,
		},
		{
			name: "code block adds weight",
			e:    &model.ConversationEntry{Text: "```go\nfmt.Println(1)\n```", HasCode: true},
			min:  qualityBaseline + 0.30,
			max:  qualityBaseline + 0.45,
		},
		{
			name: "structured explanation",
			e: &model.ConversationEntry{Text: "- check the config file\n- restart, because the watcher " +
				"only reads it at startup and this is the reason the flag seemed ignored"},
			min: qualityBaseline + 0.25,
			max: qualityBaseline + 0.60,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := QualityScore(tt.e)
			assert.GreaterOrEqual(t, score, tt.min)
			assert.LessOrEqual(t, score, tt.max)
		})
	}
}
