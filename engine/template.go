package engine

import (
	"strings"

	"nudgemail/models"
)

// renderVariables substitutes {{name}} placeholders in a variant template.
// Anything beyond plain variable substitution is out of the engine's hands.
func renderVariables(tmpl string, vars map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// messageVariables builds the substitution set for one enrollment.
func messageVariables(e *models.Enrollment) map[string]string {
	firstName := e.ToEmail
	if at := strings.IndexByte(firstName, '@'); at > 0 {
		firstName = firstName[:at]
	}
	if dot := strings.IndexByte(firstName, '.'); dot > 0 {
		firstName = firstName[:dot]
	}
	return map[string]string{
		"to_email":   e.ToEmail,
		"first_name": firstName,
		"from_name":  e.Sender.FromName,
		"from_email": e.Sender.FromEmail,
	}
}
