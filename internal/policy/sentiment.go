package policy

import "strings"

var lexicon = map[string]float64{
	"angry": -1, "annoyed": -0.7, "awful": -1, "bad": -0.6, "broken": -0.7, "cancel": -0.5,
	"disappointed": -0.8, "frustrated": -0.9, "frustrating": -0.9, "furious": -1, "hate": -1,
	"horrible": -1, "lawyer": -0.8, "ridiculous": -0.8, "refund": -0.4, "scam": -1, "sucks": -0.9,
	"terrible": -1, "unacceptable": -1, "useless": -0.9, "waste": -0.7, "worst": -1, "wrong": -0.5,
	"amazing": 1, "awesome": 1, "excellent": 1, "glad": 0.7, "good": 0.5, "great": 0.8,
	"happy": 0.8, "helpful": 0.7, "love": 0.9, "nice": 0.5, "perfect": 1, "thank": 0.6,
	"thanks": 0.6, "resolved": 0.5, "works": 0.4,
}

var negators = map[string]bool{
	"not": true, "no": true, "never": true, "don't": true, "doesn't": true, "isn't": true, "wasn't": true, "can't": true,
}

// Score returns a per-message sentiment in [-1, 1] from the word lexicon.
// A negator flips the polarity of the next scored word.
func Score(content string) float64 {
	words := strings.Fields(normalize(content))
	var (
		sum    float64
		hits   int
		negate bool
	)
	for _, w := range words {
		if negators[w] {
			negate = true
			continue
		}
		v, ok := lexicon[w]
		if !ok {
			continue
		}
		if negate {
			v = -v
			negate = false
		}
		sum += v
		hits++
	}
	if hits == 0 {
		return 0
	}
	return clamp(sum / float64(hits))
}

// Rolling blends the latest delta into prev as an exponential moving average.
func Rolling(prev, delta, alpha float64) float64 {
	return clamp(prev*(1-alpha) + delta*alpha)
}

func clamp(v float64) float64 {
	switch {
	case v < -1:
		return -1
	case v > 1:
		return 1
	}
	return v
}
