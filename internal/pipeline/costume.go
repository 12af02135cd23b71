package pipeline

import "strings"

const (
	plainPersonLabel = "person"
	noCostumeMarker  = "no costume"
)

// IsNoCostume reports whether a classifier verdict means "plain person, no costume"
func IsNoCostume(label, description string) bool {
	return strings.EqualFold(strings.TrimSpace(label), plainPersonLabel) &&
		strings.Contains(strings.ToLower(description), noCostumeMarker)
}

// AcceptsCostume is the dual-pass acceptance rule: a label was returned and
// it is not the plain-person verdict
func AcceptsCostume(c *Costume) bool {
	if c == nil || strings.TrimSpace(c.Label) == "" {
		return false
	}
	return !IsNoCostume(c.Label, c.Description)
}
