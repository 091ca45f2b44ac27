package ai

import (
	"fmt"
	"strings"

	"github.com/quizdom-app/backend/internal/domain"
)

// MaxSourceChars caps how much extracted document text is inlined into
// a prompt. Longer sources are truncated, not rejected.
const MaxSourceChars = 8000

const questionContract = `Return ONLY a JSON array, no prose, in exactly this shape:
[
  {
    "question": "the question text",
    "type": "multiple-choice" | "true-false" | "descriptive" | "fill-in-blank",
    "options": ["A", "B", "C", "D"],
    "correctAnswer": "the correct option text",
    "explanation": "one sentence explaining the answer",
    "points": 1,
    "timeLimit": 30
  }
]
Rules:
- "options" only for multiple-choice questions, at least 2 entries, and "correctAnswer" must be one of them verbatim.
- "timeLimit" is seconds, between 5 and 300.
- Do not wrap the array in any object or markdown fence.`

// TopicPrompt renders the generation prompt for a topic request.
func TopicPrompt(p domain.GenerateTaskPayload, adaptive *domain.AdaptiveInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate %d quiz questions about %q at %s difficulty.\n",
		p.NumQuestions, p.Topic, strings.ToLower(string(p.Difficulty)))
	writeAdaptiveBlock(&b, p, adaptive)
	b.WriteString("Mix question types where it helps comprehension; favor multiple-choice.\n\n")
	b.WriteString(questionContract)
	return b.String()
}

// FilePrompt renders the generation prompt for an uploaded document.
// Source text beyond MaxSourceChars is dropped.
func FilePrompt(p domain.GenerateTaskPayload) string {
	src := p.SourceText
	if len(src) > MaxSourceChars {
		src = src[:MaxSourceChars]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Generate %d quiz questions at %s difficulty testing understanding of the document below.\n",
		p.NumQuestions, strings.ToLower(string(p.Difficulty)))
	b.WriteString("Questions must be answerable from the document alone.\n\n")
	b.WriteString("--- DOCUMENT START ---\n")
	b.WriteString(src)
	b.WriteString("\n--- DOCUMENT END ---\n\n")
	b.WriteString(questionContract)
	return b.String()
}

// DoubtPrompt renders the synchronous solver prompt. Attached material
// beyond MaxSourceChars is dropped.
func DoubtPrompt(question, subject, source string) string {
	var b strings.Builder
	b.WriteString("You are a patient tutor. Answer the student's question")
	if subject != "" {
		fmt.Fprintf(&b, " about %s", subject)
	}
	b.WriteString(" clearly and concisely. Show the steps for any calculation.\n")
	if source != "" {
		if len(source) > MaxSourceChars {
			source = source[:MaxSourceChars]
		}
		b.WriteString("Ground the answer in the material below where it is relevant.\n\n")
		b.WriteString("--- MATERIAL START ---\n")
		b.WriteString(source)
		b.WriteString("\n--- MATERIAL END ---\n")
	}
	fmt.Fprintf(&b, "\nQuestion: %s\n", question)
	b.WriteString("Answer in plain text, no markdown fences.")
	return b.String()
}

func writeAdaptiveBlock(b *strings.Builder, p domain.GenerateTaskPayload, adaptive *domain.AdaptiveInfo) {
	if !p.UseAdaptive || adaptive == nil {
		return
	}
	fmt.Fprintf(b, "The learner's recent average score is %.0f%% (trend: %s); difficulty was adjusted from %s.\n",
		adaptive.AvgScore, adaptive.Trend, p.OriginalDifficulty)
	if len(adaptive.WeakAreas) > 0 {
		fmt.Fprintf(b, "Weight questions toward these weak areas: %s.\n", strings.Join(adaptive.WeakAreas, ", "))
	}
}
