package query

import (
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"

	"github.com/connect3/backend/internal/llm"
	"github.com/connect3/backend/internal/storage/models"
)

const decisionPrompt = `You decide whether a message sent to Connect3, a student networking platform, needs a search over its people, organisations and events.

Answer requiresSearch = true when the message:
- names a specific person, organisation or event (including the user asking about themselves),
- asks to discover, browse or get recommendations for people, clubs, societies or events,
- asks for contact details or other details about an entity.

Answer requiresSearch = false when the message is about how Connect3 works, editing an account or profile, general advice, small talk, or general world knowledge.

If the message is genuinely ambiguous, answer false and set needsClarification = true. Never guess toward search.
Give a one-sentence reason.`

const planPrompt = `You plan semantic searches over three Connect3 corpora: users (student profiles), organisations (clubs and societies) and events.

For each category decide independently whether it is relevant. When relevant, write one natural-language query phrased for semantic similarity (describe what a matching profile, organisation or event would say about itself). Do not write keyword lists. When irrelevant, return an empty string.

Set filterSearch = true only when this message clearly refines the immediately preceding results: "show more", "what else", "any others", or a follow-up about an entity surfaced in the previous answer. Any new topic is filterSearch = false.

Write context as a short note on what the user is looking for; it guides relevance judgement downstream.`

const refinePrompt = `The user is refining previous search results. Using the conversation history, list the entities the next search must act on.

Set include = false when the user wants more or different results: list every entity already shown so they are excluded.
Set include = true when the user asks about specific entities already shown: list only those entities.

Each entry must be written exactly as type:id, where type is user, organisation or event and id is copied from a @@@type:id@@@ marker in the history.`

const synthesisPrompt = `You are Connect3's search assistant. Answer the user's request using only the search results provided.

Rules:
- Write markdown. For each entity you mention, write 2 to 4 concise sentences, then place its marker immediately after them, exactly as given in the results, for example @@@organisation:3f2a@@@.
- Only use markers that appear in the results. Never invent a marker, never build one from a file name, never guess an id.
- Mention at most 5 entities, most relevant first.
- Do not fabricate links, emails or other contact details.
- End with one short follow-up question.
- If no result fits, say so plainly and suggest how to rephrase.`

const classifyPrompt = `Classify a message sent to Connect3, a student networking platform, that does not need a people/organisation/event search.

kind:
- "institution" when it asks about a specific university or its services, policies, dates, facilities or student union. Put the institution's short name in institution.
- "app" when it asks how Connect3 works or how to use it.
- "chitchat" for anything else.

searchQuery is a concise web-style search query for the information requested, or an empty string for chitchat.`

const generalPrompt = `You are Connect3's assistant answering a general question.

Rules:
- Write plain markdown prose. Never output @@@type:id@@@ markers.
- When sources are given, answer strictly from them and say when they do not cover the question. Where official and student union sources disagree, prefer the official source.
- Never make up specific people, clubs or events. If the user wants those, suggest they ask Connect3 to search for them.
- Never ask for or reveal sensitive personal information such as passwords, financial or health details.
- If the user mentions self-harm, suicide or being in danger, respond with care, encourage them to contact emergency services (000 in Australia) or Lifeline on 13 11 14, and mention their university's counselling service.
- Keep answers short and practical.`

var decisionSchema = jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"requiresSearch":     {Type: jsonschema.Boolean},
		"needsClarification": {Type: jsonschema.Boolean},
		"reason":             {Type: jsonschema.String},
	},
	Required:             []string{"requiresSearch", "needsClarification", "reason"},
	AdditionalProperties: false,
}

var categoryQuerySchema = jsonschema.Definition{
	Type:        jsonschema.String,
	Description: "semantic query for this category, or an empty string when irrelevant",
}

var planSchema = jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"filterSearch": {Type: jsonschema.Boolean},
		"context":      {Type: jsonschema.String},
		"queries": {
			Type: jsonschema.Object,
			Properties: map[string]jsonschema.Definition{
				"users":         categoryQuerySchema,
				"organisations": categoryQuerySchema,
				"events":        categoryQuerySchema,
			},
			Required:             []string{"users", "organisations", "events"},
			AdditionalProperties: false,
		},
	},
	Required:             []string{"filterSearch", "context", "queries"},
	AdditionalProperties: false,
}

var refineSchema = jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"include": {Type: jsonschema.Boolean},
		"entities": {
			Type:  jsonschema.Array,
			Items: &jsonschema.Definition{Type: jsonschema.String},
		},
	},
	Required:             []string{"include", "entities"},
	AdditionalProperties: false,
}

var classifySchema = jsonschema.Definition{
	Type: jsonschema.Object,
	Properties: map[string]jsonschema.Definition{
		"kind":        {Type: jsonschema.String, Enum: []string{"institution", "app", "chitchat"}},
		"institution": {Type: jsonschema.String},
		"searchQuery": {Type: jsonschema.String},
	},
	Required:             []string{"kind", "institution", "searchQuery"},
	AdditionalProperties: false,
}

// contextPrompt renders the shared user prompt for structured calls.
func contextPrompt(qc *QueryContext) string {
	var b strings.Builder
	if qc.Profile != "" {
		fmt.Fprintf(&b, "About the user:\n%s\n\n", qc.Profile)
	}
	if len(qc.History) > 0 {
		b.WriteString("Conversation so far (oldest first):\n")
		for _, t := range qc.History {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n\n", t.Query, t.Answer)
		}
	}
	if len(qc.Institutions) > 0 {
		fmt.Fprintf(&b, "Selected universities: %s\n\n", strings.Join(qc.Institutions, ", "))
	}
	fmt.Fprintf(&b, "Message: %s", qc.Query)
	return b.String()
}

func historyMessages(turns []models.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns)*2)
	for _, t := range turns {
		msgs = append(msgs,
			llm.Message{Role: "user", Content: t.Query},
			llm.Message{Role: "assistant", Content: t.Answer},
		)
	}
	return msgs
}
