package patterns

import "github.com/kaiwa-ai/kaiwa/internal/model"

// pattern is one reference phrase with its pre-computed embedding.
// Confidence weights the phrase's contribution when it is a custom addition.
type pattern struct {
	text       string
	confidence float64
	vec        []float32
}

// cluster groups reference phrases for one sentiment class. Phrase order is
// preserved: ties in similarity are broken by insertion order.
type cluster struct {
	sentiment model.Sentiment
	phrases   []pattern
}

// defaultPhrases are the built-in reference phrases per sentiment class.
// They cover the common ways people acknowledge, reject, or hedge on a
// proposed fix in assistant conversations.
var defaultPhrases = map[model.Sentiment][]string{
	model.SentimentPositive: {
		"that worked perfectly",
		"that fixed it",
		"it works now",
		"problem solved",
		"perfect, thank you",
		"great, that did it",
		"yes that was the issue",
		"works like a charm",
		"all tests pass now",
		"the error is gone",
		"confirmed working",
		"that solved my problem",
		"exactly what I needed",
		"it runs fine now",
		"awesome, fixed",
		"no more errors",
		"this works, thanks",
		"that resolved the issue",
	},
	model.SentimentNegative: {
		"still not working",
		"that didn't work",
		"same error as before",
		"it still fails",
		"no luck",
		"that made it worse",
		"the problem persists",
		"still getting the error",
		"didn't fix it",
		"it broke again",
		"nope, still broken",
		"that's not it",
		"still seeing the same issue",
		"doesn't help",
		"the fix failed",
		"still crashes",
		"error is still there",
		"that didn't solve it",
	},
	model.SentimentPartial: {
		"that helped but",
		"partially working",
		"better but still",
		"works sometimes",
		"almost there",
		"getting closer",
		"fixed one issue but another appeared",
		"improved but not fully",
		"some progress",
		"works except for",
		"mostly working now",
		"that got me further",
	},
}

// newDefaultClusters builds the cluster set with embeddings unset. Init
// computes phrase embeddings once at startup.
func newDefaultClusters() map[model.Sentiment]*cluster {
	clusters := make(map[model.Sentiment]*cluster, len(defaultPhrases))
	for sentiment, phrases := range defaultPhrases {
		c := &cluster{sentiment: sentiment, phrases: make([]pattern, 0, len(phrases))}
		for _, p := range phrases {
			c.phrases = append(c.phrases, pattern{text: p, confidence: 1.0})
		}
		clusters[sentiment] = c
	}
	return clusters
}

// clusterOrder is the deterministic iteration order over clusters.
var clusterOrder = []model.Sentiment{
	model.SentimentPositive,
	model.SentimentNegative,
	model.SentimentPartial,
}
