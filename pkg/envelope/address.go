package envelope

import (
	"fmt"
	"strings"
)

const addressScheme = "mcp://"

// Address is a parsed reply-to target: the agent that should receive an
// asynchronous result and the tool on that agent to deliver it to.
type Address struct {
	Agent string
	Tool  string
}

func (a Address) String() string {
	return addressScheme + a.Agent + "/" + a.Tool
}

// ParseReplyTo parses an "mcp://<agent-id>/<tool-name>" address.
func ParseReplyTo(raw string) (Address, error) {
	if !strings.HasPrefix(raw, addressScheme) {
		return Address{}, fmt.Errorf("%w: %q must start with %s", ErrBadReplyTo, raw, addressScheme)
	}
	rest := strings.TrimPrefix(raw, addressScheme)
	agent, tool, ok := strings.Cut(rest, "/")
	if !ok || agent == "" || tool == "" || strings.Contains(tool, "/") {
		return Address{}, fmt.Errorf("%w: %q", ErrBadReplyTo, raw)
	}
	return Address{Agent: agent, Tool: tool}, nil
}
