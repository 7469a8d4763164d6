package realtime

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// languageNames maps BCP 47 codes to the names used in model instructions.
var languageNames = map[string]string{
	"en-US":  "English",
	"en-GB":  "English (British)",
	"es-ES":  "Spanish",
	"es-MX":  "Spanish (Mexican)",
	"fr-FR":  "French",
	"de-DE":  "German",
	"it-IT":  "Italian",
	"pt-BR":  "Portuguese (Brazilian)",
	"pt-PT":  "Portuguese",
	"nl-NL":  "Dutch",
	"ja-JP":  "Japanese",
	"ko-KR":  "Korean",
	"zh-CN":  "Chinese (Mandarin)",
	"zh-TW":  "Chinese (Traditional)",
	"ru-RU":  "Russian",
	"ar-SA":  "Arabic",
	"hi-IN":  "Hindi",
	"pl-PL":  "Polish",
	"tr-TR":  "Turkish",
	"vi-VN":  "Vietnamese",
	"th-TH":  "Thai",
	"id-ID":  "Indonesian",
	"ms-MY":  "Malay",
	"fil-PH": "Filipino",
}

// LanguageName returns the display name for code, or code itself when unknown.
func LanguageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return code
}

// DefaultSystemPrompt is used when an agent has no prompt of its own.
const DefaultSystemPrompt = "You are a helpful voice assistant."

// BuildInstructions wraps an agent's prompt with the language and timezone
// context a phone conversation needs.
func BuildInstructions(systemPrompt, language, timezone string, now time.Time) string {
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if language == "" {
		language = "en-US"
	}
	if timezone == "" {
		timezone = "UTC"
	}
	lang := LanguageName(language)

	if loc, err := time.LoadLocation(timezone); err == nil {
		now = now.In(loc)
	}
	current := now.Format("Monday, January 02, 2006 at 03:04 PM")

	return fmt.Sprintf(`[CONTEXT]
Language: %[1]s
Timezone: %[2]s
Current: %[3]s

[RULES]
- Speak ONLY in %[1]s
- All times are in %[2]s timezone
- For booking tools, use ISO format with timezone offset (e.g., 2024-12-01T14:00:00-05:00)
- Keep responses concise - this is voice, not text
- Summarize tool results naturally

[YOUR ROLE]
%[4]s`, lang, timezone, current, systemPrompt)
}
