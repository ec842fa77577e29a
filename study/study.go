// Package study derives the educational context of a student question:
// its subject, its difficulty level and the tutoring prompt sent to the
// model.
package study

import (
	"fmt"
	"strings"
)

// Subjects.
const (
	Mathematics     = "Mathematics"
	Science         = "Science"
	ComputerScience = "Computer Science"
	History         = "History"
	Literature      = "Literature"
	General         = "General"
)

// Difficulty levels.
const (
	Elementary   = "Elementary"
	MiddleSchool = "Middle School"
	HighSchool   = "High School"
	College      = "College"
	Graduate     = "Graduate"
)

type subjectKeywords struct {
	subject  string
	keywords []string
}

// Declaration order breaks score ties.
var subjects = []subjectKeywords{
	{Mathematics, []string{"math", "algebra", "calculus", "geometry", "statistics"}},
	{Science, []string{"science", "physics", "chemistry", "biology", "experiment"}},
	{ComputerScience, []string{"programming", "code", "algorithm", "function", "python"}},
	{History, []string{"history", "war", "revolution", "ancient", "historical"}},
	{Literature, []string{"literature", "novel", "poem", "poetry", "author"}},
}

// Subjects lists the detectable subjects, General last.
func Subjects() []string {
	out := make([]string, 0, len(subjects)+1)
	for _, s := range subjects {
		out = append(out, s.subject)
	}
	return append(out, General)
}

// DetectSubject scores each subject by how many of its keywords occur in
// query and returns the best one, or General when nothing matches.
func DetectSubject(query string) string {
	q := strings.ToLower(query)
	best, bestScore := General, 0
	for _, s := range subjects {
		score := 0
		for _, kw := range s.keywords {
			if strings.Contains(q, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = s.subject, score
		}
	}
	return best
}

// graduateWordCount is the length above which an unmarked question is
// treated as graduate level.
const graduateWordCount = 20

// DetectDifficulty estimates the level of a question from its phrasing.
// Marker words are checked first, from simplest to most advanced; long
// questions without markers are Graduate and everything else High School.
func DetectDifficulty(query string) string {
	q := strings.ToLower(query)
	switch {
	case containsAny(q, "simple", "basic", "what is"):
		return Elementary
	case containsAny(q, "explain", "how does"):
		return MiddleSchool
	case containsAny(q, "analyze", "compare", "evaluate"):
		return College
	case len(strings.Fields(q)) > graduateWordCount:
		return Graduate
	default:
		return HighSchool
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

const promptTemplate = `You are a helpful study buddy assistant. The student is asking about %[1]s at a %[2]s level.

Student's question: %[3]s

Please provide a clear, educational response with step-by-step explanations appropriate for the %[2]s level.`

// Prompt wraps query in the tutoring instructions for subject and difficulty.
func Prompt(query, subject, difficulty string) string {
	return fmt.Sprintf(promptTemplate, subject, difficulty, query)
}

// Context is the detected educational context of a question.
type Context struct {
	Subject    string
	Difficulty string
	Prompt     string
}

// Analyze detects subject and difficulty and builds the prompt.
func Analyze(query string) Context {
	c := Context{Subject: DetectSubject(query), Difficulty: DetectDifficulty(query)}
	c.Prompt = Prompt(query, c.Subject, c.Difficulty)
	return c
}
