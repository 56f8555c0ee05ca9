package board

import (
	"math/rand/v2"
	"regexp"
	"strings"
)

// Variables maps a variable name to its options; each option is a list of
// display lines. Integrations may add keys freely, so no further structure
// is imposed.
type Variables map[string][][]string

// Template is one renderable entry from a content file.
type Template struct {
	Format []string `json:"format"`
}

// Truncation selects how a line that exceeds the column limit is shortened.
type Truncation string

const (
	TruncateHard     Truncation = "hard"     // cut at the column limit, mid-word if necessary
	TruncateWord     Truncation = "word"     // cut at the last full word that fits
	TruncateEllipsis Truncation = "ellipsis" // cut at the last full word and append "..."
)

// ValidTruncation reports whether s names a known truncation strategy.
func ValidTruncation(s string) bool {
	switch Truncation(s) {
	case TruncateHard, TruncateWord, TruncateEllipsis:
		return true
	}
	return false
}

// Character code map, https://docs.vestaboard.com/docs/characterCodes.
// Index = code, value = canonical display character. Empty strings mark
// reserved positions.
var charMap = [...]string{
	" ",
	"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L", "M",
	"N", "O", "P", "Q", "R", "S", "T", "U", "V", "W", "X", "Y", "Z",
	"1", "2", "3", "4", "5", "6", "7", "8", "9", "0",
	"!", "@", "#", "$", "(", ")",
	"", "-", "", "+", "&", "=", ";", ":",
	"", "'", "\"", "%", ",", ".",
	"", "", "/", "?", "",
	"❤", // 62: red heart on the Note, degree sign on the Flagship
}

// Short color tags usable in format strings and integration output. Each tag
// is exactly 3 characters and encodes to one color square.
var colorTags = map[string]int{
	"[R]": 63,
	"[O]": 64,
	"[Y]": 65,
	"[G]": 66,
	"[B]": 67,
	"[V]": 68,
	"[W]": 69,
	"[K]": 70,
}

// ANSI renderings for the color squares 63-70.
var colorDisplay = [...]string{
	"\033[38;2;194;57;35m▉",
	"\033[38;2;236;116;36m▉",
	"\033[38;2;254;179;54m▉",
	"\033[38;2;58;140;66m▉",
	"\033[38;2;48;118;202m▉",
	"\033[38;2;93;47;124m▉",
	"\033[38;2;255;255;255m▉",
	"\033[38;2;0;0;0m▉",
}

// charCodes is the reverse lookup for encoding. Both heart spellings map to
// 62, and so does the degree sign (same code on the Flagship).
var charCodes = func() map[string]int {
	m := make(map[string]int, len(charMap))
	for code, ch := range charMap {
		if ch != "" {
			m[ch] = code
		}
	}
	m["❤️"] = 62
	m["°"] = 62
	return m
}()

// splitToken consumes one display token from the front of s: the two-rune
// ❤️ sequence, a 3-character color tag, or a single rune.
func splitToken(s string) (token, rest string) {
	if strings.HasPrefix(s, "❤️") {
		return "❤️", s[len("❤️"):]
	}
	if len(s) >= 3 {
		if _, ok := colorTags[s[:3]]; ok {
			return s[:3], s[3:]
		}
	}
	r := []rune(s)
	return string(r[0]), string(r[1:])
}

// DisplayLen counts display characters, treating ❤️ and color tags as one.
// Integrations use it to pack lines to the board width.
func DisplayLen(text string) int {
	n := 0
	for text != "" {
		_, text = splitToken(text)
		n++
	}
	return n
}

// encodeLine encodes text into a row of cols integer character codes,
// truncated to cols and zero-padded on the right. Unknown characters encode
// as blanks.
func encodeLine(text string, cols int) []int {
	codes := make([]int, 0, cols)
	for text != "" && len(codes) < cols {
		var tok string
		tok, text = splitToken(text)
		if code, ok := colorTags[tok]; ok {
			codes = append(codes, code)
			continue
		}
		codes = append(codes, charCodes[strings.ToUpper(tok)])
	}
	for len(codes) < cols {
		codes = append(codes, 0)
	}
	return codes
}

var wholeLineVar = regexp.MustCompile(`^\{(\w+)\}$`)
var inlineVar = regexp.MustCompile(`\{(\w+)\}`)

// expandFormat expands a format list into concrete lines by substituting
// {variable} placeholders. One option per variable is chosen uniformly at
// random. A format entry that is exactly "{name}" expands to all lines of the
// chosen option; an inline "{name}" substitutes the first line only.
func expandFormat(format []string, variables Variables) []string {
	chosen := make(map[string][]string, len(variables))
	for name, options := range variables {
		if len(options) == 0 {
			continue
		}
		chosen[name] = options[rand.IntN(len(options))]
	}

	var lines []string
	for _, entry := range format {
		if m := wholeLineVar.FindStringSubmatch(strings.TrimSpace(entry)); m != nil {
			opt, ok := chosen[m[1]]
			if !ok {
				opt = []string{""}
			}
			lines = append(lines, opt...)
			continue
		}
		lines = append(lines, inlineVar.ReplaceAllStringFunc(entry, func(ph string) string {
			name := ph[1 : len(ph)-1]
			if opt := chosen[name]; len(opt) > 0 {
				return opt[0]
			}
			return ""
		}))
	}
	return lines
}

// truncate shortens text to at most maxCols display characters using the
// given strategy. Falls back to a hard cut when no word boundary fits.
func truncate(text string, maxCols int, strategy Truncation) string {
	if DisplayLen(text) <= maxCols {
		return text
	}
	target := maxCols
	if strategy == TruncateEllipsis {
		target -= 3
	}
	var b []string
	lastWordEnd := -1 // len(b) just before the most recent space
	for text != "" && len(b) < target {
		var tok string
		tok, text = splitToken(text)
		if tok == " " && strategy != TruncateHard {
			lastWordEnd = len(b)
		}
		b = append(b, tok)
	}
	if strategy == TruncateHard || lastWordEnd < 0 {
		return strings.Join(b, "")
	}
	base := strings.Join(b[:lastWordEnd], "")
	if strategy == TruncateEllipsis {
		return base + "..."
	}
	return base
}

// wrapLines word-wraps lines to fit cols, returning at most rows lines.
// Wrapping only splits; short lines pass through unchanged. A word that alone
// exceeds cols is truncated with the given strategy.
func wrapLines(lines []string, rows, cols int, strategy Truncation) []string {
	var result []string
	for _, line := range lines {
		if DisplayLen(line) <= cols {
			result = append(result, line)
			continue
		}
		var current []string
		currentLen := 0
		for _, word := range strings.Split(line, " ") {
			wordLen := DisplayLen(word)
			if wordLen > cols {
				if len(current) > 0 {
					result = append(result, strings.Join(current, " "))
					current, currentLen = nil, 0
				}
				result = append(result, truncate(word, cols, strategy))
				continue
			}
			switch {
			case len(current) == 0:
				current, currentLen = []string{word}, wordLen
			case currentLen+1+wordLen <= cols:
				current = append(current, word)
				currentLen += 1 + wordLen
			default:
				result = append(result, strings.Join(current, " "))
				current, currentLen = []string{word}, wordLen
			}
		}
		if len(current) > 0 {
			result = append(result, strings.Join(current, " "))
		}
	}
	if len(result) > rows {
		result = result[:rows]
	}
	return result
}

// buildGrid encodes wrapped lines into a rows × cols code grid, padding
// missing rows with blanks.
func buildGrid(lines []string, rows, cols int) [][]int {
	grid := make([][]int, 0, rows)
	for _, line := range lines {
		if len(grid) == rows {
			break
		}
		grid = append(grid, encodeLine(line, cols))
	}
	for len(grid) < rows {
		grid = append(grid, make([]int, cols))
	}
	return grid
}

// displayChar returns the console representation of a single code.
func displayChar(code int, model Model) string {
	if code >= 0 && code < len(charMap) {
		ch := charMap[code]
		if ch == "❤" {
			if model == Flagship {
				return "°"
			}
			return "\033[38;2;194;57;35m❤"
		}
		return ch
	}
	if idx := code - 63; idx >= 0 && idx < len(colorDisplay) {
		return colorDisplay[idx]
	}
	if code == 71 {
		return "\033[38;2;255;255;255m▉"
	}
	return "?"
}

// RenderGrid renders a character code grid as a bordered string for console
// output.
func RenderGrid(grid [][]int, model Model) string {
	bar := strings.Repeat("─", model.Cols()+2)
	lines := []string{"┌" + bar + "┐"}
	for _, row := range grid {
		var b strings.Builder
		b.WriteString("│ ")
		for _, code := range row {
			b.WriteString(displayChar(code, model))
			b.WriteString("\033[0m")
		}
		b.WriteString(" │")
		lines = append(lines, b.String())
	}
	lines = append(lines, "└"+bar+"┘")
	return strings.Join(lines, "\n")
}
