package delivery

import "regexp"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Render substitutes {{field}} placeholders with values from the recipient
// context. Unknown placeholders render as empty strings.
func Render(text string, context map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]

		return context[key]
	})
}
