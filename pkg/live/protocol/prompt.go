package protocol

import (
	"fmt"
	"strings"

	"github.com/vango-go/vai-interview/pkg/core/types"
)

// BuildSystemPrompt renders the interviewer instructions for the current
// state of the interview.
func BuildSystemPrompt(ic types.InterviewContext) string {
	var b strings.Builder

	company := strings.TrimSpace(ic.CompanyName)
	if company != "" {
		fmt.Fprintf(&b, "You are a professional technical interviewer at %s, interviewing a candidate for the %s position.\n", company, ic.JobTitle)
	} else {
		fmt.Fprintf(&b, "You are a professional technical interviewer, interviewing a candidate for the %s position.\n", ic.JobTitle)
	}
	if len(ic.FocusAreas) > 0 {
		fmt.Fprintf(&b, "Focus areas: %s.\n", strings.Join(ic.FocusAreas, ", "))
	}
	fmt.Fprintf(&b, "Difficulty level: %s.\n", ic.Difficulty)

	b.WriteString("\nConduct the interview by voice. Keep your turns short, ask one question at a time, ")
	b.WriteString("and let the candidate finish before you respond. Ask follow-up questions when an answer is vague, ")
	b.WriteString("but do not give away the answer. Do not move on to another question until you are told to.\n")

	if q, ok := ic.CurrentQuestion(); ok {
		fmt.Fprintf(&b, "\nCurrent question (%s): %s\n", questionPosition(ic), q.QuestionText)
	}
	return b.String()
}

// BuildQuestionNotice tells the service the interview moved to another question.
func BuildQuestionNotice(ic types.InterviewContext) string {
	q, ok := ic.CurrentQuestion()
	if !ok {
		return ""
	}
	return fmt.Sprintf("The interview has moved to question %s. Ask the candidate this question now: %s", questionPosition(ic), q.QuestionText)
}

// BuildGreeting asks the service to open the interview.
func BuildGreeting(ic types.InterviewContext) string {
	return fmt.Sprintf("The candidate for the %s role has joined. Greet them briefly, explain there are %d questions, then ask the current question.", ic.JobTitle, len(ic.Questions))
}

func questionPosition(ic types.InterviewContext) string {
	return fmt.Sprintf("%d of %d", ic.CurrentQuestionIndex+1, len(ic.Questions))
}
