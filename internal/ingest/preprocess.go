package ingest

import (
	"strings"
	"unicode"
)

// Preprocess normalizes extracted text before chunking: lowercase, punctuation removed,
// whitespace collapsed, English stopwords dropped.
func Preprocess(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return unicode.IsSpace(r)
	})
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = stripPunct(w)
		if w == "" || isStopword(w) {
			continue
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

// stripPunct keeps letters, digits, and underscores.
func stripPunct(word string) string {
	var b strings.Builder
	for _, r := range word {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || unicode.Is(unicode.Mn, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Summarize returns the leading sentences of text, cut at maxRunes on a word boundary.
func Summarize(text string, maxRunes int) string {
	text = strings.Join(strings.Fields(text), " ")
	if maxRunes <= 0 || len([]rune(text)) <= maxRunes {
		return text
	}
	runes := []rune(text)[:maxRunes]
	cut := string(runes)
	if i := strings.LastIndexAny(cut, ".!?"); i > maxRunes/2 {
		return cut[:i+1]
	}
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}

func isStopword(w string) bool {
	_, ok := stopwords[w]
	return ok
}

// English stopwords with punctuation already stripped, so "don't" appears as "dont".
var stopwords = toSet(
	"i", "me", "my", "myself", "we", "our", "ours", "ourselves", "you", "youre", "youve",
	"youll", "youd", "your", "yours", "yourself", "yourselves", "he", "him", "his", "himself",
	"she", "shes", "her", "hers", "herself", "it", "its", "itself", "they", "them", "their",
	"theirs", "themselves", "what", "which", "who", "whom", "this", "that", "thatll", "these",
	"those", "am", "is", "are", "was", "were", "be", "been", "being", "have", "has", "had",
	"having", "do", "does", "did", "doing", "a", "an", "the", "and", "but", "if", "or",
	"because", "as", "until", "while", "of", "at", "by", "for", "with", "about", "against",
	"between", "into", "through", "during", "before", "after", "above", "below", "to", "from",
	"up", "down", "in", "out", "on", "off", "over", "under", "again", "further", "then", "once",
	"here", "there", "when", "where", "why", "how", "all", "any", "both", "each", "few", "more",
	"most", "other", "some", "such", "no", "nor", "not", "only", "own", "same", "so", "than",
	"too", "very", "s", "t", "can", "will", "just", "don", "dont", "should", "shouldve", "now",
	"d", "ll", "m", "o", "re", "ve", "y", "ain", "aren", "arent", "couldn", "couldnt", "didn",
	"didnt", "doesn", "doesnt", "hadn", "hadnt", "hasn", "hasnt", "haven", "havent", "isn",
	"isnt", "ma", "mightn", "mightnt", "mustn", "mustnt", "needn", "neednt", "shan", "shant",
	"shouldn", "shouldnt", "wasn", "wasnt", "weren", "werent", "won", "wont", "wouldn", "wouldnt",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
