package eventauth

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

// PowerLevels is the evaluated view of a room's m.room.power_levels
// content. A room with no power levels event gets the protocol defaults, under
// which the creator holds level 100 and all required levels for state
// changes are 0.
type PowerLevels struct {
	exists  bool
	creator id.UserID

	Users         map[id.UserID]int64
	UsersDefault  int64
	Events        map[string]int64
	EventsDefault int64
	StateDefault  int64
	Ban           int64
	Kick          int64
	Redact        int64
	Invite        int64
}

// ParsePowerLevels evaluates a power levels event into lookup form. A nil
// event produces the defaults for a room that never had one: state_default
// drops to 0 and the creator gets level 100. Parse errors mean the content
// holds a level that can't be read as an integer under the room version's
// rules and the event consulting it must be rejected.
func ParsePowerLevels(plEvent *pdu.PDU, creator id.UserID, ver *roomversion.Version) (*PowerLevels, error) {
	pl := &PowerLevels{
		creator: creator,
		Ban:     50,
		Kick:    50,
		Redact:  50,
	}
	if plEvent == nil {
		return pl, nil
	}
	pl.exists = true
	pl.StateDefault = 50

	content := gjson.ParseBytes(plEvent.Content)
	strict := ver.IntegerPowerLevels
	named := []struct {
		key string
		dst *int64
	}{
		{"users_default", &pl.UsersDefault},
		{"events_default", &pl.EventsDefault},
		{"state_default", &pl.StateDefault},
		{"ban", &pl.Ban},
		{"kick", &pl.Kick},
		{"redact", &pl.Redact},
		{"invite", &pl.Invite},
	}
	for _, field := range named {
		if val := content.Get(field.key); val.Exists() {
			level, err := parseLevel(val, strict)
			if err != nil {
				return nil, fmt.Errorf("power level %s: %w", field.key, err)
			}
			*field.dst = level
		}
	}
	if users := content.Get("users"); users.Exists() {
		pl.Users = make(map[id.UserID]int64)
		var err error
		users.ForEach(func(key, val gjson.Result) bool {
			var level int64
			if level, err = parseLevel(val, strict); err != nil {
				err = fmt.Errorf("power level for %s: %w", key.Str, err)
				return false
			}
			pl.Users[id.UserID(key.Str)] = level
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	if events := content.Get("events"); events.Exists() {
		pl.Events = make(map[string]int64)
		var err error
		events.ForEach(func(key, val gjson.Result) bool {
			var level int64
			if level, err = parseLevel(val, strict); err != nil {
				err = fmt.Errorf("power level for %s: %w", key.Str, err)
				return false
			}
			pl.Events[key.Str] = level
			return true
		})
		if err != nil {
			return nil, err
		}
	}
	return pl, nil
}

// parseLevel reads a single power level value. Old room versions tolerate
// levels encoded as JSON strings or floats because early servers emitted
// them; room v10 and up require plain integers.
func parseLevel(val gjson.Result, strict bool) (int64, error) {
	switch val.Type {
	case gjson.Number:
		if strict && strings.ContainsAny(val.Raw, ".eE") {
			return 0, fmt.Errorf("%q is not an integer", val.Raw)
		}
		return val.Int(), nil
	case gjson.String:
		if strict {
			return 0, fmt.Errorf("%q is a string, not an integer", val.Str)
		}
		level, err := strconv.ParseInt(val.Str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not parseable as an integer", val.Str)
		}
		return level, nil
	default:
		return 0, fmt.Errorf("%s is not an integer", val.Raw)
	}
}

// UserLevel returns the user's effective power level.
func (pl *PowerLevels) UserLevel(user id.UserID) int64 {
	if !pl.exists {
		if user != "" && user == pl.creator {
			return 100
		}
		return 0
	}
	if level, ok := pl.Users[user]; ok {
		return level
	}
	return pl.UsersDefault
}

// RequiredLevel returns the level needed to send an event of the given
// type, honoring per-type overrides in the events map.
func (pl *PowerLevels) RequiredLevel(eventType string, isState bool) int64 {
	if level, ok := pl.Events[eventType]; ok {
		return level
	}
	if isState {
		return pl.StateDefault
	}
	return pl.EventsDefault
}

var namedLevelKeys = []string{"users_default", "events_default", "state_default", "ban", "redact", "kick", "invite"}

// checkPowerLevelsEvent applies the extra rules for m.room.power_levels
// events: structural validity of the level maps, then the alteration
// constraints that keep a sender from granting or revoking levels beyond
// their own.
func checkPowerLevelsEvent(evt *pdu.PDU, state *AuthState, senderLevel int64, ver *roomversion.Version) error {
	// The new content must evaluate under this room version's parsing
	// rules. Accepting an unparseable power levels event would make every
	// later event that consults it fail instead.
	if _, err := ParsePowerLevels(evt, state.Creator(ver), ver); err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}

	content := gjson.ParseBytes(evt.Content)
	strict := ver.IntegerPowerLevels

	if users := content.Get("users"); users.Exists() {
		if !users.IsObject() {
			return fmt.Errorf("%w: users must be an object", ErrNotAuthorized)
		}
		var err error
		users.ForEach(func(key, val gjson.Result) bool {
			if !isValidUserID(key.Str) {
				err = fmt.Errorf("%w: users key %q is not a user ID", ErrNotAuthorized, key.Str)
			}
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	if strict {
		for _, key := range []string{"events", "notifications"} {
			dict := content.Get(key)
			if !dict.Exists() {
				continue
			}
			if !dict.IsObject() {
				return fmt.Errorf("%w: %s must be an object", ErrNotAuthorized, key)
			}
			var err error
			dict.ForEach(func(entry, val gjson.Result) bool {
				if _, perr := parseLevel(val, true); perr != nil {
					err = fmt.Errorf("%w: %s.%s: %v", ErrNotAuthorized, key, entry.Str, perr)
				}
				return err == nil
			})
			if err != nil {
				return err
			}
		}
	}

	// The first power levels event in a room is exempt from the alteration
	// constraints.
	oldEvent := state.PowerLevels()
	if oldEvent == nil {
		return nil
	}
	oldContent := gjson.ParseBytes(oldEvent.Content)

	checkAlteration := func(name string, oldVal, newVal gjson.Result, userEntry bool) error {
		var oldLevel, newLevel int64
		var oldSet, newSet bool
		var err error
		if oldVal.Exists() {
			if oldLevel, err = parseLevel(oldVal, strict); err != nil {
				return fmt.Errorf("%w: previous %s: %v", ErrNotAuthorized, name, err)
			}
			oldSet = true
		}
		if newVal.Exists() {
			if newLevel, err = parseLevel(newVal, strict); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrNotAuthorized, name, err)
			}
			newSet = true
		}
		if oldSet && newSet && oldLevel == newLevel {
			return nil
		}
		if userEntry && name != string(evt.Sender) && oldSet && oldLevel >= senderLevel {
			return fmt.Errorf("%w: cannot change level of %s, who has level %d >= own %d",
				ErrNotAuthorized, name, oldLevel, senderLevel)
		}
		if oldSet && oldLevel > senderLevel {
			return fmt.Errorf("%w: cannot change %s from %d, above own level %d",
				ErrNotAuthorized, name, oldLevel, senderLevel)
		}
		if newSet && newLevel > senderLevel {
			return fmt.Errorf("%w: cannot set %s to %d, above own level %d",
				ErrNotAuthorized, name, newLevel, senderLevel)
		}
		return nil
	}

	for _, key := range namedLevelKeys {
		if err := checkAlteration(key, oldContent.Get(key), content.Get(key), false); err != nil {
			return err
		}
	}
	dicts := []string{"events", "users"}
	if ver.CheckNotificationLevels {
		dicts = append(dicts, "notifications")
	}
	for _, dict := range dicts {
		oldEntries := objectEntries(oldContent.Get(dict))
		newEntries := objectEntries(content.Get(dict))
		var err error
		for _, entry := range unionKeys(oldEntries, newEntries) {
			if err = checkAlteration(entry, oldEntries[entry], newEntries[entry], dict == "users"); err != nil {
				return err
			}
		}
	}
	return nil
}

func objectEntries(val gjson.Result) map[string]gjson.Result {
	if !val.IsObject() {
		return nil
	}
	entries := make(map[string]gjson.Result)
	val.ForEach(func(key, value gjson.Result) bool {
		entries[key.Str] = value
		return true
	})
	return entries
}

// unionKeys merges two entry maps into a deterministic key order.
func unionKeys(a, b map[string]gjson.Result) []string {
	keys := make([]string, 0, len(a)+len(b))
	for key := range a {
		keys = append(keys, key)
	}
	for key := range b {
		if _, ok := a[key]; !ok {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

func isValidUserID(s string) bool {
	return strings.HasPrefix(s, "@") && strings.ContainsRune(s, ':')
}
