package domain

// Question is one questionnaire entry shown in the design-questions step.
type Question struct {
	ID     string
	Text   string
	Multi  bool
	Source AnswerSource
}

// Every event type opens with the same number of fixed questions
// (FixedQuestionCount); AI follow-ups are appended per session afterwards.
var fixedQuestions = map[EventType][]Question{
	EventTypeCharity: {
		{ID: "charity.cause", Text: "What cause is the event supporting?", Source: AnswerSourceFixed},
		{ID: "charity.tone", Text: "Should the design feel hopeful, urgent, or celebratory?", Source: AnswerSourceFixed},
		{ID: "charity.audience", Text: "Who will wear or receive the merch?", Source: AnswerSourceFixed},
	},
	EventTypeSports: {
		{ID: "sports.team", Text: "What is the team or club name?", Source: AnswerSourceFixed},
		{ID: "sports.identity", Text: "Any mascot, motto, or team colors to feature?", Multi: true, Source: AnswerSourceFixed},
		{ID: "sports.occasion", Text: "Is this for a season, a single match, or a tournament?", Source: AnswerSourceFixed},
	},
	EventTypeCompany: {
		{ID: "company.name", Text: "What is the company or product name?", Source: AnswerSourceFixed},
		{ID: "company.occasion", Text: "What is the occasion (launch, offsite, anniversary)?", Source: AnswerSourceFixed},
		{ID: "company.style", Text: "Should it look polished and corporate or playful?", Source: AnswerSourceFixed},
	},
	EventTypeFamily: {
		{ID: "family.occasion", Text: "What are you celebrating (reunion, wedding, birthday)?", Source: AnswerSourceFixed},
		{ID: "family.names", Text: "Any names or a family motto to include?", Multi: true, Source: AnswerSourceFixed},
		{ID: "family.vibe", Text: "What vibe fits your family best?", Source: AnswerSourceFixed},
	},
	EventTypeSchool: {
		{ID: "school.name", Text: "What is the school, class, or club name?", Source: AnswerSourceFixed},
		{ID: "school.event", Text: "What is the event (graduation, spirit week, field day)?", Source: AnswerSourceFixed},
		{ID: "school.year", Text: "Should a year or grade appear on the design?", Source: AnswerSourceFixed},
	},
	EventTypeOther: {
		{ID: "other.occasion", Text: "Describe the occasion in a sentence or two.", Source: AnswerSourceFixed},
		{ID: "other.audience", Text: "Who is the merch for?", Source: AnswerSourceFixed},
		{ID: "other.style", Text: "Any styles, themes, or imagery you want?", Multi: true, Source: AnswerSourceFixed},
	},
}

// FixedQuestionsFor returns the fixed questionnaire for an event type.
// Unknown types fall back to the catch-all set.
func FixedQuestionsFor(eventType EventType) []Question {
	set, ok := fixedQuestions[eventType]
	if !ok {
		set = fixedQuestions[EventTypeOther]
	}
	out := make([]Question, len(set))
	copy(out, set)
	return out
}

// LatestAnswers collapses an append-only answer list to one entry per
// question id, keeping the newest answer for each. Order follows first
// appearance of each question.
func LatestAnswers(answers []QuestionAnswer) []QuestionAnswer {
	if len(answers) == 0 {
		return nil
	}
	index := make(map[string]int, len(answers))
	out := make([]QuestionAnswer, 0, len(answers))
	for _, answer := range answers {
		if pos, seen := index[answer.QuestionID]; seen {
			out[pos] = answer
			continue
		}
		index[answer.QuestionID] = len(out)
		out = append(out, answer)
	}
	return out
}
