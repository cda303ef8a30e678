package cheat

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Entry is one parsed cheat: a name, its opcode words, and whether it
// should run this tick. The entry read from a "{name}" header is the
// master cheat (Master set) and always runs regardless of its Enabled flag.
type Entry struct {
	Name    string
	Words   []uint32
	Enabled bool
	Master  bool
}

// ErrMalformedCheatText is returned for any unexpected character or line
// shape in a cheat text file. Per the grammar, a single malformed line
// invalidates the whole file: ParseCheatText never returns a partial
// entry list alongside an error.
var ErrMalformedCheatText = fmt.Errorf("cheat: malformed cheat text")

// ParseCheatText parses a title's cheat text file: a run of "[name]"
// headers (ordinary cheats) or a single "{name}" header (the master
// cheat, conventionally entry 0), each followed by whitespace-separated
// 8-hex-digit program words until the next header or end of input. Any
// unexpected character anywhere in the file aborts the parse and
// discards every entry parsed so far, per the format's all-or-nothing
// grammar.
func ParseCheatText(text string) ([]Entry, error) {
	var entries []Entry
	var cur *Entry

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			name, err := closedHeader(line, '[', ']')
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Name: name, Enabled: false})
			cur = &entries[len(entries)-1]
			continue
		}

		if strings.HasPrefix(line, "{") {
			name, err := closedHeader(line, '{', '}')
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				if e.Master {
					return nil, fmt.Errorf("%w: more than one master cheat", ErrMalformedCheatText)
				}
			}
			entries = append(entries, Entry{Name: name, Enabled: true, Master: true})
			cur = &entries[len(entries)-1]
			continue
		}

		if cur == nil {
			return nil, fmt.Errorf("%w: opcode line before any header", ErrMalformedCheatText)
		}

		words, err := parseWordLine(line)
		if err != nil {
			return nil, err
		}
		cur.Words = append(cur.Words, words...)
		if len(cur.Words) > MaxOpcodesPerCheat*5 {
			return nil, fmt.Errorf("%w: cheat %q exceeds the maximum opcode count", ErrMalformedCheatText, cur.Name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCheatText, err)
	}

	return entries, nil
}

func closedHeader(line string, open, close byte) (string, error) {
	if len(line) < 2 || line[len(line)-1] != close {
		return "", fmt.Errorf("%w: unterminated header %q", ErrMalformedCheatText, line)
	}
	name := line[1 : len(line)-1]
	if name == "" {
		return "", fmt.Errorf("%w: empty cheat name", ErrMalformedCheatText)
	}
	return name, nil
}

func parseWordLine(line string) ([]uint32, error) {
	var words []uint32
	for _, tok := range strings.Fields(line) {
		if len(tok) != 8 {
			return nil, fmt.Errorf("%w: opcode word %q is not 8 hex digits", ErrMalformedCheatText, tok)
		}
		v, err := strconv.ParseUint(tok, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: opcode word %q: %v", ErrMalformedCheatText, tok, err)
		}
		words = append(words, uint32(v))
	}
	return words, nil
}

// Toggles is a title's saved enabled/disabled choice per cheat name, as
// read from its toggles file. A name absent from the map leaves the
// cheat's text-file default untouched.
type Toggles map[string]bool

// ParseToggles parses a toggles file: one "name=value" pair per line,
// where value is any of true/false/on/off/1/0 (case-insensitive). Any
// unexpected line aborts the parse and discards every toggle parsed so
// far, matching the cheat text grammar's all-or-nothing behavior.
func ParseToggles(text string) (Toggles, error) {
	out := make(Toggles)
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		name, rawVal, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("%w: toggle line %q missing '='", ErrMalformedCheatText, line)
		}
		name = strings.TrimSpace(name)
		val, err := parseToggleValue(strings.TrimSpace(rawVal))
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, fmt.Errorf("%w: empty toggle name", ErrMalformedCheatText)
		}
		out[name] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCheatText, err)
	}
	return out, nil
}

func parseToggleValue(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "on", "1":
		return true, nil
	case "false", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: unrecognized toggle value %q", ErrMalformedCheatText, s)
	}
}

// ApplyToggles overrides each entry's Enabled flag with the toggles file's
// choice, leaving entries the file doesn't mention at their text-file
// default. The master cheat (index 0 by convention) always stays enabled
// regardless of what a toggles file says.
func ApplyToggles(entries []Entry, toggles Toggles) {
	for i := range entries {
		if entries[i].Master {
			continue
		}
		if v, ok := toggles[entries[i].Name]; ok {
			entries[i].Enabled = v
		}
	}
}
