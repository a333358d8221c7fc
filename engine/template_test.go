package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"nudgemail/models"
)

func TestRenderVariables(t *testing.T) {
	vars := map[string]string{
		"first_name": "Jamie",
		"to_email":   "jamie.doe@example.com",
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"no placeholders", "Just checking in.", "Just checking in."},
		{"single placeholder", "Hi {{first_name}},", "Hi Jamie,"},
		{"repeated placeholder", "{{first_name}} {{first_name}}", "Jamie Jamie"},
		{"unknown placeholder kept", "Hi {{nickname}},", "Hi {{nickname}},"},
		{"mixed", "To {{to_email}}: hello {{first_name}}", "To jamie.doe@example.com: hello Jamie"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderVariables(tt.tmpl, vars))
		})
	}
}

func TestMessageVariablesDerivesFirstName(t *testing.T) {
	e := &models.Enrollment{
		ToEmail: "jamie.doe@example.com",
		Sender: models.Sender{
			FromName:  "Sam Seller",
			FromEmail: "sam@corp.example",
		},
	}

	vars := messageVariables(e)
	assert.Equal(t, "jamie", vars["first_name"])
	assert.Equal(t, "jamie.doe@example.com", vars["to_email"])
	assert.Equal(t, "Sam Seller", vars["from_name"])
	assert.Equal(t, "sam@corp.example", vars["from_email"])
}
