package transcriber

import "strings"

// languageNameToCode maps human-readable language names to ISO-639-1 codes.
// Callers routinely configure "English" where the API wants "en".
var languageNameToCode = map[string]string{
	"english":    "en",
	"spanish":    "es",
	"french":     "fr",
	"german":     "de",
	"italian":    "it",
	"portuguese": "pt",
	"russian":    "ru",
	"japanese":   "ja",
	"korean":     "ko",
	"chinese":    "zh",
	"arabic":     "ar",
	"hindi":      "hi",
	"dutch":      "nl",
	"polish":     "pl",
	"turkish":    "tr",
	"vietnamese": "vi",
	"thai":       "th",
	"greek":      "el",
	"czech":      "cs",
	"swedish":    "sv",
	"norwegian":  "no",
	"danish":     "da",
	"finnish":    "fi",
	"hungarian":  "hu",
	"romanian":   "ro",
	"ukrainian":  "uk",
	"hebrew":     "he",
	"indonesian": "id",
	"malay":      "ms",
	"tagalog":    "tl",
}

// NormalizeLanguage converts a language name (e.g. "English") to its
// ISO-639-1 code (e.g. "en"). Two-letter inputs pass through lowercased;
// unrecognised inputs pass through lowercased and trimmed so the backend can
// make its own call.
func NormalizeLanguage(language string) string {
	l := strings.ToLower(strings.TrimSpace(language))
	if l == "" {
		return ""
	}
	if len(l) == 2 && isAlpha(l) {
		return l
	}
	if code, ok := languageNameToCode[l]; ok {
		return code
	}
	return l
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
