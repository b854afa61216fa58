package memory

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/hupe1980/agenthive/core"
)

// Promotion decides which parts of a turn graduate into long-term facts.
// A candidate's importance blends three signals, each normalized to [0, 1]:
//
//   - emphasis (weight 0.45): explicit markers in the text itself, such as
//     "remember", "always" or first-person preference statements
//   - repetition (weight 0.35): how often earlier user messages in the
//     window restate the same content words
//   - recency (weight 0.20): exponential decay with a 24h half-life; a
//     candidate taken from the current turn scores 1
//
// Candidates at or above the threshold are stored; ties are broken toward
// longer text, which tends to carry the more concrete statement.
const (
	emphasisWeight   = 0.45
	repetitionWeight = 0.35
	recencyWeight    = 0.20

	// DefaultThreshold is the importance a candidate must reach to be
	// promoted into the fact log.
	DefaultThreshold = 0.5

	// DefaultMaxFactsPerTurn caps how many facts one turn may produce.
	DefaultMaxFactsPerTurn = 3
)

// trivialLength is the minimum cleaned length a message must have to be
// worth learning from.
const trivialLength = 15

var trivialMessages = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "ok": {}, "okay": {},
	"yes": {}, "no": {}, "thanks": {}, "thank you": {}, "bye": {},
	"cool": {}, "nice": {}, "sure": {}, "got it": {}, "sounds good": {},
}

var emphasisMarkers = []string{
	"remember",
	"don't forget",
	"dont forget",
	"important",
	"always",
	"never",
	"make sure",
	"note that",
	"keep in mind",
	"from now on",
	"i prefer",
	"i like",
	"i love",
	"i hate",
	"i use",
	"i work",
	"i live",
	"my name is",
	"call me",
}

// Trivial reports whether a message is too short or too formulaic to learn
// anything from. Greetings, bare acknowledgements and one-word replies are
// trivial.
func Trivial(text string) bool {
	cleaned := strings.TrimSpace(strings.ToLower(text))
	cleaned = strings.TrimSpace(strings.TrimRight(cleaned, "!?.,"))
	if len(cleaned) < trivialLength {
		return true
	}
	_, ok := trivialMessages[cleaned]
	return ok
}

// Score computes the importance of a candidate observed age ago, given the
// recent conversation window. The result is in [0, 1] and is monotone in
// each signal: more emphasis markers, more repetitions and a smaller age
// never lower it.
func Score(text string, history []core.Message, age time.Duration) float64 {
	return emphasisWeight*emphasisScore(text) +
		repetitionWeight*repetitionScore(text, history) +
		recencyWeight*recencyScore(age)
}

// emphasisScore counts marker phrases. The first hit carries most of the
// signal; further hits and a trailing exclamation mark top it up.
func emphasisScore(text string) float64 {
	lower := strings.ToLower(text)
	hits := 0
	for _, marker := range emphasisMarkers {
		if strings.Contains(lower, marker) {
			hits++
		}
	}
	score := 0.0
	if hits > 0 {
		score = 0.7 + 0.3*float64(hits-1)
	}
	if strings.HasSuffix(strings.TrimSpace(text), "!") {
		score += 0.15
	}
	return math.Min(score, 1)
}

// repetitionScore counts earlier user messages that restate at least half of
// the candidate's content words. One restatement carries most of the signal.
func repetitionScore(text string, history []core.Message) float64 {
	words := contentWords(text)
	if len(words) == 0 {
		return 0
	}
	repeats := 0
	for _, msg := range history {
		if msg.Role != core.RoleUser {
			continue
		}
		if overlap(words, contentWords(msg.Content))*2 >= len(words) {
			repeats++
		}
	}
	if repeats == 0 {
		return 0
	}
	return math.Min(0.6+0.4*float64(repeats-1), 1)
}

// recencyScore decays exponentially with a 24h half-life.
func recencyScore(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Exp2(-age.Hours() / 24)
}

// contentWords lowercases the text and keeps alphanumeric runs of at least
// four characters, deduplicated.
func contentWords(text string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 4 {
			words[w] = struct{}{}
		}
	}
	return words
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

// Candidate is a promotable statement with its importance.
type Candidate struct {
	Text  string
	Score float64
}

// ExtractCandidates splits a message into sentence-level candidates and
// drops the trivial ones. A message without sentence breaks yields itself.
func ExtractCandidates(text string) []string {
	var (
		candidates []string
		current    strings.Builder
	)
	flush := func() {
		sentence := strings.TrimSpace(current.String())
		current.Reset()
		if sentence != "" && !Trivial(sentence) {
			candidates = append(candidates, sentence)
		}
	}
	runes := []rune(text)
	for i, r := range runes {
		switch r {
		case '\n':
			flush()
		case '.', '!', '?':
			current.WriteRune(r)
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return candidates
}

// Promote scores the candidates extracted from a user message against the
// conversation window and returns those at or above the threshold, best
// first. Equal scores prefer the longer candidate. maxFacts caps the result;
// zero means DefaultMaxFactsPerTurn.
func Promote(text string, history []core.Message, threshold float64, maxFacts int) []Candidate {
	if Trivial(text) {
		return nil
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxFacts <= 0 {
		maxFacts = DefaultMaxFactsPerTurn
	}

	promoted := make([]Candidate, 0)
	for _, candidate := range ExtractCandidates(text) {
		score := Score(candidate, history, 0)
		if score >= threshold {
			promoted = append(promoted, Candidate{Text: candidate, Score: score})
		}
	}

	sort.Slice(promoted, func(i, j int) bool {
		if promoted[i].Score != promoted[j].Score {
			return promoted[i].Score > promoted[j].Score
		}
		if len(promoted[i].Text) != len(promoted[j].Text) {
			return len(promoted[i].Text) > len(promoted[j].Text)
		}
		return promoted[i].Text < promoted[j].Text
	})

	if len(promoted) > maxFacts {
		promoted = promoted[:maxFacts]
	}
	return promoted
}
