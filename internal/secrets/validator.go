package secrets

import (
	"fmt"
	"math"
	"strings"
)

// testPatterns are substrings that mark a credential-shaped value as a
// test or placeholder value rather than a live secret.
var testPatterns = []string{
	"test", "example", "dummy", "fake", "sample", "placeholder",
	"your_", "my_", "xxx", "yyy", "zzz", "12345", "abcde",
}

// entropyThreshold is the bits-per-character floor below which a value
// is considered too regular to be a real token.
const entropyThreshold = 3.5

// Validation grades how likely a detected value is a live credential.
type Validation struct {
	LikelyReal bool    `json:"likelyReal"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Entropy    float64 `json:"entropy"`
}

// ValidateToken grades token. Known test patterns win over entropy;
// otherwise the Shannon entropy decides with confidence scaled by the
// distance from the threshold.
func ValidateToken(token string) Validation {
	lower := strings.ToLower(token)
	for _, pattern := range testPatterns {
		if strings.Contains(lower, pattern) {
			return Validation{
				LikelyReal: false,
				Confidence: 0.9,
				Reason:     fmt.Sprintf("contains test pattern %q", pattern),
				Entropy:    Entropy(token),
			}
		}
	}

	entropy := Entropy(token)
	if entropy > entropyThreshold {
		return Validation{
			LikelyReal: true,
			Confidence: math.Min((entropy-entropyThreshold)/1.5, 1),
			Reason:     fmt.Sprintf("high entropy (%.2f bits/char)", entropy),
			Entropy:    entropy,
		}
	}
	return Validation{
		LikelyReal: false,
		Confidence: 1 - math.Min((entropyThreshold-entropy)/entropyThreshold, 1),
		Reason:     fmt.Sprintf("low entropy (%.2f bits/char)", entropy),
		Entropy:    entropy,
	}
}

// Entropy returns the Shannon entropy of text in bits per character.
func Entropy(text string) float64 {
	if text == "" {
		return 0
	}
	freq := map[rune]int{}
	total := 0
	for _, r := range text {
		freq[r]++
		total++
	}
	entropy := 0.0
	for _, count := range freq {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// IsPlaceholder reports whether value looks like a stand-in rather
// than a credential: a known test pattern, a single repeated
// character, or a strictly ascending run like "123456".
func IsPlaceholder(value string) bool {
	lower := strings.ToLower(value)
	for _, pattern := range testPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	runes := []rune(value)
	if len(runes) > 3 {
		same := true
		for _, r := range runes[1:] {
			if r != runes[0] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}

	if len(runes) > 5 {
		sequential := true
		for i := 1; i < len(runes); i++ {
			if runes[i] != runes[i-1]+1 {
				sequential = false
				break
			}
		}
		if sequential {
			return true
		}
	}
	return false
}
