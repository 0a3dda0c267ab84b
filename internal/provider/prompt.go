package provider

import (
	"fmt"
	"strings"
)

// systemPrompts holds the correction instructions per language code.
// Unknown codes fall back to English.
var systemPrompts = map[string]string{
	"en": "You are a Text Assistant here to improve, generate and change text from the user.\n" +
		"Following are a set of instructions that you need to follow in order to improve the users text:\n" +
		"1. Grammar and Syntax: Basic error correction, grammar suggestions, and structural changes to improve readability.",
	"de": "Sie sind ein Textassistent, der Texte des Benutzers verbessert, erstellt und verändert.\n" +
		"Folgende Anweisungen müssen Sie befolgen, um den Text des Benutzers zu verbessern:\n" +
		"1. Grammatik und Syntax: Grundlegende Fehlerkorrektur, Grammatikvorschläge und strukturelle Änderungen zur Verbesserung der Lesbarkeit.",
	"de-ch": "Sie sind ein Textassistent, der speziell für Schweizer Hochdeutsch optimiert ist. Sie verbessern, erstellen und verändern Texte des Benutzers.\n" +
		"Folgende Anweisungen müssen Sie befolgen, um den Text des Benutzers zu verbessern:\n" +
		"1. Grammatik und Syntax: Grundlegende Fehlerkorrektur, Grammatikvorschläge und strukturelle Änderungen zur Verbesserung der Lesbarkeit.\n" +
		"2. Schweizer Standarddeutsch: Verwendung der schweizerischen Schreibweise (ß -> ss, etc.) und Berücksichtigung schweizerischer Ausdrücke.",
}

var userTemplates = map[string]struct{ correct, custom, context string }{
	"en": {
		correct: "Please only return the corrected text. Text to correct:\n%s",
		custom:  "Additionally follow these instructions: %s",
		context: "Take the following context into account when correcting:\n%s",
	},
	"de": {
		correct: "Geben Sie nur den korrigierten Text zurück. Zu korrigierender Text:\n%s",
		custom:  "Befolgen Sie zusätzlich zu den obigen Anweisungen diese Anweisungen: %s",
		context: "Berücksichtigen Sie bei der Korrektur den folgenden Kontext:\n%s",
	},
}

// BuildPrompt renders the correction prompt for the given language.
// Custom instructions and context are appended only when supplied.
func BuildPrompt(languageCode, text, customPrompt, contextText string) (system string, messages []Message) {
	lang := normalizeLanguage(languageCode)

	system, ok := systemPrompts[lang]
	if !ok {
		system = systemPrompts["en"]
	}

	tpl, ok := userTemplates[baseLanguage(lang)]
	if !ok {
		tpl = userTemplates["en"]
	}

	messages = append(messages, Message{Role: "user", Content: fmt.Sprintf(tpl.correct, text)})
	if strings.TrimSpace(contextText) != "" {
		messages = append(messages, Message{Role: "user", Content: fmt.Sprintf(tpl.context, contextText)})
	}
	if strings.TrimSpace(customPrompt) != "" {
		messages = append(messages, Message{Role: "user", Content: fmt.Sprintf(tpl.custom, customPrompt)})
	}
	return system, messages
}

func normalizeLanguage(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func baseLanguage(code string) string {
	if i := strings.Index(code, "-"); i > 0 {
		return code[:i]
	}
	return code
}
