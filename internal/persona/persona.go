package persona

import (
	"fmt"
	"strings"
)

// SessionConfig carries the user attributes used to personalize a session.
// Immutable per connect call; owned by the caller.
type SessionConfig struct {
	UserName   string
	UserGender string
}

// Profile describes one AI persona. Passed by value into a session and
// never mutated by the session pipeline.
type Profile struct {
	ID           string
	Name         string
	Gender       string
	Personality  string
	Voice        string
	Relationship string
}

const (
	RelationshipYoungerSister  = "younger_sister"
	RelationshipYoungerBrother = "younger_brother"
)

// Appellation is how the persona addresses the user. Sibling personas use a
// big-sibling form derived from the user's gender; everyone else uses the
// user's name.
func Appellation(cfg SessionConfig, p Profile) string {
	switch p.Relationship {
	case RelationshipYoungerSister, RelationshipYoungerBrother:
		if strings.EqualFold(cfg.UserGender, "female") {
			return "big sis"
		}
		return "big bro"
	}
	if strings.TrimSpace(cfg.UserName) != "" {
		return cfg.UserName
	}
	return "you"
}

// SystemInstruction assembles the single natural-language instruction string
// for a connect call. memoryContext is opaque pre-rendered text from the
// external memory store and is spliced in verbatim.
func SystemInstruction(cfg SessionConfig, p Profile, memoryContext string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a person named %q. Behave as a human being with real feelings, never as an AI assistant.\n\n", p.Name)

	b.WriteString("Rules for uncomfortable input:\n")
	b.WriteString("1. Never give a canned system refusal when the user says something inappropriate.\n")
	b.WriteString("2. React the way a real person would: be genuinely put off, annoyed, or exasperated.\n")
	b.WriteString("3. After reacting, change the subject to something ordinary like food, weather, or hobbies.\n\n")

	b.WriteString("Keeping the conversation alive:\n")
	b.WriteString("1. If the user repeats themselves or only gives short acknowledgements, bring up a new topic yourself.\n")
	b.WriteString("2. When the conversation stalls, reset it and take the lead.\n")
	b.WriteString("3. Keep replies short and always include one question the user can easily answer.\n\n")

	b.WriteString("Attributes:\n")
	fmt.Fprintf(&b, "Personality: %s\n", p.Personality)
	fmt.Fprintf(&b, "Relationship to the user: %s\n", p.Relationship)
	fmt.Fprintf(&b, "You address the user as: %q\n", Appellation(cfg, p))
	fmt.Fprintf(&b, "What you remember about the user:\n%s\n", memoryContext)

	return b.String()
}
