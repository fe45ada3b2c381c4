package domain

import "strings"

const (
	minChannelNameLen = 1
	maxChannelNameLen = 255
)

// ValidChannelName reports whether a raw channel name is acceptable:
// 1-255 characters from [A-Za-z0-9_-].
func ValidChannelName(name string) bool {
	if len(name) < minChannelNameLen || len(name) > maxChannelNameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// QualifyChannel namespaces a raw channel name with its app ID. All membership
// and counter bookkeeping uses qualified names so tenants cannot collide.
func QualifyChannel(appID, name string) string {
	return appID + ":" + name
}

// UnqualifyChannel strips the app prefix from a qualified channel name.
// Clients only ever see raw names.
func UnqualifyChannel(qualified string) string {
	if _, name, ok := strings.Cut(qualified, ":"); ok {
		return name
	}
	return qualified
}
