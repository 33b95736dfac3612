package message

import (
	"fmt"
	"strings"
)

// ChannelKey is the identity of a followed channel: normalized name plus platform
type ChannelKey struct {
	Name     string
	Platform Platform
}

// NormalizeChannel lowercases a channel name and strips whitespace and a leading # or @
func NormalizeChannel(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimLeft(name, "#@")
	return strings.ToLower(strings.TrimSpace(name))
}

// NewKey builds a ChannelKey, normalizing the channel name
func NewKey(name string, platform Platform) ChannelKey {
	return ChannelKey{Name: NormalizeChannel(name), Platform: platform}
}

// String returns "<name>_<platform>", used for map lookups and file naming
func (k ChannelKey) String() string {
	return k.Name + "_" + string(k.Platform)
}

// Validate checks that the key names a usable channel on a supported platform
func (k ChannelKey) Validate() error {
	if k.Name == "" {
		return fmt.Errorf("channel name is empty")
	}
	if !k.Platform.Valid() {
		return fmt.Errorf("unknown platform %q", k.Platform)
	}
	for _, r := range k.Name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("channel name %q contains invalid character %q", k.Name, r)
		}
	}
	return nil
}

// ParseKey splits "<name>_<platform>" back into a ChannelKey.
// Channel names may contain underscores, so the platform is taken from the last segment.
func ParseKey(s string) (ChannelKey, bool) {
	i := strings.LastIndex(s, "_")
	if i <= 0 || i == len(s)-1 {
		return ChannelKey{}, false
	}
	platform := Platform(s[i+1:])
	if !platform.Valid() {
		return ChannelKey{}, false
	}
	return ChannelKey{Name: s[:i], Platform: platform}, true
}
