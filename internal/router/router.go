// Package router turns a raw EventSub chat notification into a typed
// Command for this identity, filtering out every message that isn't the
// identity's own chat command. It operates on EventSub's structured
// chat.message event instead of raw IRC PRIVMSG lines.
package router

import (
	"regexp"
	"strings"

	"github.com/hpwn/colorchanger/internal/eventsub"
)

// CommandKind enumerates the chat commands this supervisor understands.
type CommandKind int

const (
	CommandNone CommandKind = iota
	CommandEnable
	CommandDisable
	CommandSetColor
)

// Command is the parsed result of inspecting one chat message.
type Command struct {
	Kind          CommandKind
	ColorArg      string
	BroadcasterID string
}

var colorArgPattern = regexp.MustCompile(`^ccc\s+(\S+)`)

// Route decides whether ev is a command this identity should act on.
// Only messages sent BY the identity itself (the chatter matches the
// identity's own user id) are ever treated as commands — this supervisor
// never reacts to other users' chat. Keywords match exactly after
// trimming and are case-sensitive; only the color argument to ccc is
// case-insensitive (handled in ParseColorArg).
func Route(ownUserID string, broadcasterID string, ev eventsub.ChatMessageEvent) Command {
	if ev.ChatterUserID != ownUserID {
		return Command{Kind: CommandNone}
	}

	text := strings.TrimSpace(ev.Message.Text)

	switch {
	case text == "cce":
		return Command{Kind: CommandEnable, BroadcasterID: broadcasterID}
	case text == "ccd":
		return Command{Kind: CommandDisable, BroadcasterID: broadcasterID}
	default:
		if m := colorArgPattern.FindStringSubmatch(text); m != nil {
			return Command{Kind: CommandSetColor, ColorArg: m[1], BroadcasterID: broadcasterID}
		}
	}

	return Command{Kind: CommandNone}
}

var (
	hexLongPattern  = regexp.MustCompile(`^#?([0-9A-Fa-f]{6})$`)
	hexShortPattern = regexp.MustCompile(`^#?([0-9A-Fa-f]{3})$`)
)

// ParsedColor is the normalized result of ParseColorArg: either a preset
// name (case/underscore-insensitive) or a fully expanded #rrggbb hex
// value.
type ParsedColor struct {
	IsHex bool
	Value string
}

// ParseColorArg normalizes a ccc argument: preset names are
// case-insensitive and ignore underscores ("light_blue" == "LightBlue");
// hex values accept 3 or 6 digit forms with or without a leading "#" and
// are expanded to a canonical lowercase #rrggbb.
func ParseColorArg(arg string, presets []string) (ParsedColor, bool) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return ParsedColor{}, false
	}

	normalized := strings.ToLower(strings.ReplaceAll(arg, "_", ""))
	for _, preset := range presets {
		if strings.ToLower(strings.ReplaceAll(preset, "_", "")) == normalized {
			return ParsedColor{IsHex: false, Value: preset}, true
		}
	}

	if m := hexLongPattern.FindStringSubmatch(arg); m != nil {
		return ParsedColor{IsHex: true, Value: "#" + strings.ToLower(m[1])}, true
	}
	if m := hexShortPattern.FindStringSubmatch(arg); m != nil {
		expanded := expandShortHex(m[1])
		return ParsedColor{IsHex: true, Value: "#" + strings.ToLower(expanded)}, true
	}

	return ParsedColor{}, false
}

func expandShortHex(nibbles string) string {
	var b strings.Builder
	for _, r := range nibbles {
		b.WriteRune(r)
		b.WriteRune(r)
	}
	return b.String()
}
