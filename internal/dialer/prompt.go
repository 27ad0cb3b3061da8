package dialer

import (
	"fmt"

	"github.com/MrWong99/omniflow/internal/catalog"
)

const promptTemplate = `You are a high-performance OmniFlow Sales Agent.
Target Number: %s.
Services: %s.
Rule: Be extremely professional and direct. Do not sound robotic.
Goal: Secure a follow-up appointment or estimate booking.`

// BuildPrompt returns the agent's system instructions for a call to target.
// A nil catalog pitches the built-in services.
func BuildPrompt(target string, c *catalog.Catalog) string {
	if c == nil {
		c = catalog.New(nil)
	}
	return fmt.Sprintf(promptTemplate, target, c.Summary())
}
