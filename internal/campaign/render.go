package campaign

import (
	"strings"

	"github.com/ignite/textpulse/internal/domain"
)

// RenderMergeTags substitutes contact fields into a message body.
// Supported tags: {first_name}, {last_name}, {phone}. Unknown tags pass
// through untouched so typos are visible in previews instead of silently
// vanishing.
func RenderMergeTags(body string, c *domain.Contact) string {
	r := strings.NewReplacer(
		"{first_name}", c.FirstName,
		"{last_name}", c.LastName,
		"{phone}", c.Phone,
	)
	return r.Replace(body)
}
