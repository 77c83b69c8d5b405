// Package personalize renders submission templates into the final subject
// and body for one recipient. Everything here is a pure function of its
// inputs, so a queue retry re-rendering the same job produces identical
// output.
package personalize

import (
	"strings"
	"unicode"
)

const namePlaceholder = "{{name}}"

// tagLen is how much of the job id tail ends up in the subject tag.
const tagLen = 6

// DisplayName derives a greeting name from a recipient address.
// "Alice <alice@x.com>" yields "Alice"; a bare "bob@x.com" yields "Bob".
func DisplayName(recipient string) string {
	if i := strings.Index(recipient, "<"); i >= 0 {
		if name := strings.TrimSpace(recipient[:i]); name != "" {
			return name
		}
		return "there"
	}
	local, _, _ := strings.Cut(recipient, "@")
	local = strings.TrimSpace(local)
	if local == "" {
		return "there"
	}
	runes := []rune(local)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// ReferenceTag returns the traceability suffix for a job id: its last six
// characters, upper-cased.
func ReferenceTag(jobID string) string {
	if jobID == "" {
		return "REF#000"
	}
	if len(jobID) > tagLen {
		jobID = jobID[len(jobID)-tagLen:]
	}
	return strings.ToUpper(jobID)
}

// Render substitutes the name placeholder in both templates and appends the
// reference tag to the subject.
func Render(subject, body, recipient, jobID string) (string, string) {
	name := DisplayName(recipient)
	subject = strings.ReplaceAll(subject, namePlaceholder, name)
	body = strings.ReplaceAll(body, namePlaceholder, name)
	subject = subject + " | " + ReferenceTag(jobID)
	return subject, body
}
