package matching

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

var fiscalKeywords = []string{
	"impuesto", "fiscal", "iva", "irpf", "hacienda", "renta",
	"declaración", "declaracion", "tribut", "sociedades",
}

var legalKeywords = []string{
	"legal", "abogado", "contrato", "demanda", "herencia", "despido",
	"laboral", "divorcio", "derecho", "multa", "juicio",
}

const (
	keywordPoints       = 10.0
	specialtyWordPoints = 5.0
	bioWordPoints       = 2.0
	nameWordPoints      = 3.0

	zeroScoreConfidence   = 60
	maxFallbackConfidence = 75
)

type domain int

const (
	domainNone domain = iota
	domainFiscal
	domainLegal
)

type scored struct {
	index  int
	score  float64
	domain domain
}

// rankLocally scores every candidate and returns the first maximum. It never
// panics; an internal failure degrades to the first candidate.
func rankLocally(query string, candidates []Candidate) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			first := candidates[0]
			result = Result{
				CandidateID:   first.ID,
				Confidence:    zeroScoreConfidence,
				Justification: genericJustification(first),
			}
		}
	}()

	normalized := strings.ToLower(query)
	words := queryWords(normalized)

	best := scored{index: -1}
	for i, candidate := range candidates {
		current := scoreCandidate(normalized, words, candidate)
		current.index = i
		if best.index < 0 || current.score > best.score {
			best = current
		}
	}

	chosen := candidates[best.index]
	return Result{
		CandidateID:   chosen.ID,
		Confidence:    fallbackConfidence(best.score),
		Justification: justify(chosen, best),
	}
}

func scoreCandidate(query string, words []string, candidate Candidate) scored {
	specialties := strings.ToLower(strings.Join(candidate.Specialties, " "))
	bio := strings.ToLower(candidate.Bio)
	name := strings.ToLower(candidate.Name)
	profile := specialties + " " + bio

	var fiscal, legal float64
	if strings.Contains(profile, "fiscal") {
		fiscal = keywordPoints * float64(countContained(query, fiscalKeywords))
	}
	if strings.Contains(profile, "legal") || strings.Contains(profile, "derecho") {
		legal = keywordPoints * float64(countContained(query, legalKeywords))
	}

	var wordScore float64
	for _, word := range words {
		if strings.Contains(specialties, word) {
			wordScore += specialtyWordPoints
		}
		if strings.Contains(bio, word) {
			wordScore += bioWordPoints
		}
		if strings.Contains(name, word) {
			wordScore += nameWordPoints
		}
	}

	out := scored{score: fiscal + legal + wordScore + safeRating(candidate)}
	switch {
	case fiscal > 0 && fiscal >= legal:
		out.domain = domainFiscal
	case legal > 0:
		out.domain = domainLegal
	}
	return out
}

func countContained(text string, keywords []string) int {
	count := 0
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			count++
		}
	}
	return count
}

// queryWords splits on anything that is not a letter or digit and keeps
// words longer than three runes.
func queryWords(query string) []string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	words := fields[:0]
	for _, field := range fields {
		if utf8.RuneCountInString(field) > 3 {
			words = append(words, field)
		}
	}
	return words
}

func fallbackConfidence(score float64) int {
	if score == 0 {
		return zeroScoreConfidence
	}
	confidence := int(math.Round(math.Min(score*5, maxFallbackConfidence)))
	return clampConfidence(confidence)
}

func clampConfidence(value int) int {
	if value < 1 {
		return 1
	}
	if value > 100 {
		return 100
	}
	return value
}

func justify(candidate Candidate, s scored) string {
	if s.score > 10 {
		switch s.domain {
		case domainFiscal:
			return fmt.Sprintf("%s es especialista en fiscalidad, el área que describe tu consulta, y tiene una valoración de %.1f sobre 5.",
				displayName(candidate), safeRating(candidate))
		case domainLegal:
			return fmt.Sprintf("%s tiene experiencia en asuntos legales como el que planteas y una valoración de %.1f sobre 5.",
				displayName(candidate), safeRating(candidate))
		}
	}
	return genericJustification(candidate)
}

func genericJustification(candidate Candidate) string {
	return fmt.Sprintf("%s es un experto cualificado para orientarte en tu caso, con una valoración de %.1f sobre 5.",
		displayName(candidate), safeRating(candidate))
}

func displayName(candidate Candidate) string {
	if name := strings.TrimSpace(candidate.Name); name != "" {
		return name
	}
	return "Este profesional"
}

func safeRating(candidate Candidate) float64 {
	rating := candidate.Rating
	if math.IsNaN(rating) || math.IsInf(rating, 0) || rating < 0 {
		return 0
	}
	return rating
}
