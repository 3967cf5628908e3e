package feed

import (
	"strings"
	"time"

	"instancewatch.app/internal/protocol"
)

// Game client log lines carry a local wall-clock prefix.
const clockLayout = "2006.01.02 15:04:05"

// Parse maps one raw log line to a feed event. ok is false for the many
// line shapes the watcher does not care about.
//
// Recognized markers (anywhere in the line, prefixes vary by client build):
//
//	OnPlayerJoined <name> (usr_...)   presence join, id optional
//	OnPlayerLeft <name>               presence leave
//	Joining wrld_<id>:<instance>      location change
//	Entering Room: <world name>       early world-name hint
//	Application quitting              session teardown
func Parse(line string) (protocol.Event, bool) {
	ts, _ := parseClock(line)

	if rest, ok := after(line, "OnPlayerJoined "); ok {
		name, id := splitNameID(rest)
		if name == "" {
			return nil, false
		}
		return &protocol.PlayerJoined{
			Type:        protocol.TypePlayerJoined,
			DisplayName: name,
			UserID:      id,
			TimestampMs: ts,
		}, true
	}

	if rest, ok := after(line, "OnPlayerLeft "); ok {
		name, _ := splitNameID(rest)
		if name == "" {
			return nil, false
		}
		return &protocol.PlayerLeft{
			Type:        protocol.TypePlayerLeft,
			DisplayName: name,
			TimestampMs: ts,
		}, true
	}

	if rest, ok := after(line, "Joining "); ok {
		if fields := strings.Fields(rest); len(fields) > 0 && strings.HasPrefix(fields[0], "wrld_") {
			return &protocol.LocationChanged{
				Type:        protocol.TypeLocationChanged,
				RawLocation: fields[0],
				TimestampMs: ts,
			}, true
		}
		return nil, false
	}

	if rest, ok := after(line, "Entering Room: "); ok {
		name := strings.TrimSpace(rest)
		if name == "" {
			return nil, false
		}
		return &protocol.WorldNameResolved{
			Type: protocol.TypeWorldNameResolved,
			Name: name,
		}, true
	}

	if strings.Contains(line, "Application quitting") {
		return &protocol.GameClosed{Type: protocol.TypeGameClosed}, true
	}

	return nil, false
}

func after(line, marker string) (string, bool) {
	i := strings.Index(line, marker)
	if i < 0 {
		return "", false
	}
	return line[i+len(marker):], true
}

// splitNameID strips a trailing " (usr_...)" id suffix from a player line
// remainder. Display names may themselves contain parentheses; only a
// user-id suffix is treated as an id.
func splitNameID(rest string) (name, id string) {
	rest = strings.TrimSpace(rest)
	if strings.HasSuffix(rest, ")") {
		if i := strings.LastIndex(rest, " ("); i >= 0 {
			inner := rest[i+2 : len(rest)-1]
			if strings.HasPrefix(inner, "usr_") {
				return strings.TrimSpace(rest[:i]), inner
			}
		}
	}
	return rest, ""
}

func parseClock(line string) (int64, bool) {
	if len(line) < len(clockLayout) {
		return 0, false
	}
	ts, err := time.ParseInLocation(clockLayout, line[:len(clockLayout)], time.Local)
	if err != nil {
		return 0, false
	}
	return ts.UnixMilli(), true
}
