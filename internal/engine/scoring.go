package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"casematch/internal/config"
	"casematch/internal/domain"
)

// ConceptHash content-addresses a (name, type) pair for historical lookup.
// Inputs are lower-cased first so equal concepts hash equal regardless of
// casing; the digest is truncated to 32 hex chars.
func ConceptHash(name, varType string) string {
	key := strings.ToLower(strings.TrimSpace(name)) + ":" + strings.ToLower(strings.TrimSpace(varType))
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:32]
}

// stopwords are dropped from token sets before semantic comparison. The
// catalog metadata is predominantly Portuguese.
var stopwords = map[string]bool{
	"de": true, "da": true, "do": true, "e": true, "para": true,
	"com": true, "em": true, "a": true, "o": true, "os": true,
	"as": true, "um": true, "uma": true,
}

func tokenize(texts ...string) map[string]bool {
	set := map[string]bool{}
	for _, text := range texts {
		fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		})
		for _, f := range fields {
			if !stopwords[f] {
				set[f] = true
			}
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// SemanticSimilarity compares the variable's token set against the table's.
func SemanticSimilarity(varName, concept, tableName, description, displayName string) float64 {
	return jaccard(tokenize(varName, concept), tokenize(tableName, description, displayName))
}

// KeywordScore is the fraction of the table's keywords that substring-match
// the variable name in either direction.
func KeywordScore(varName string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	name := strings.ToLower(strings.TrimSpace(varName))
	hits := 0
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(name, kw) || strings.Contains(kw, name) {
			hits++
		}
	}
	score := float64(hits) / float64(len(keywords))
	if score > 1 {
		score = 1
	}
	return score
}

// DomainScore is 1.0 when the table's domain appears in the case's macro-case
// hint, otherwise neutral 0.5. Missing either side stays neutral.
func DomainScore(tableDomain, macroHint string) float64 {
	d := strings.ToLower(strings.TrimSpace(tableDomain))
	h := strings.ToLower(strings.TrimSpace(macroHint))
	if d == "" || h == "" {
		return 0.5
	}
	if strings.Contains(h, d) {
		return 1.0
	}
	return 0.5
}

// Scorer computes the weighted match score between a variable and a table.
type Scorer struct {
	Weights config.ScoringConfig
}

// Score returns the weighted sum of the four signals and a justification
// built from the signals above 0.5.
func (s Scorer) Score(v domain.CaseVariable, t domain.DataTable, macroHint string, historyRate float64) (float64, string) {
	semantic := SemanticSimilarity(v.Name, v.Concept, t.Name, t.Description, t.DisplayName)
	keyword := KeywordScore(v.Name, t.Keywords)
	domainScore := DomainScore(t.Domain, macroHint)

	score := s.Weights.SemanticWeight*semantic +
		s.Weights.HistoryWeight*historyRate +
		s.Weights.KeywordWeight*keyword +
		s.Weights.DomainWeight*domainScore

	var reasons []string
	if semantic > 0.5 {
		reasons = append(reasons, fmt.Sprintf("name closely matches table %q", t.Name))
	}
	if historyRate > 0.5 {
		reasons = append(reasons, fmt.Sprintf("previously approved for this concept (%.0f%% approval)", historyRate*100))
	}
	if keyword > 0.5 {
		reasons = append(reasons, "table keywords overlap the variable name")
	}
	if domainScore > 0.5 {
		reasons = append(reasons, fmt.Sprintf("table domain %q fits the case", t.Domain))
	}
	justification := strings.Join(reasons, "; ")
	if justification == "" {
		justification = "weak overall signal; review carefully"
	}
	return score, justification
}
