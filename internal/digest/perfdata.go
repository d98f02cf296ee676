package digest

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/anti-koerper/antikoerper/internal/models"
)

// Plugin exit states as they appear in the human readable part of the
// output, mapped to their exit codes.
var pluginStates = map[string]float64{
	"OK":       0,
	"WARNING":  1,
	"CRITICAL": 2,
	"UNKNOWN":  3,
}

var statusPattern = regexp.MustCompile(`\b(OK|WARNING|CRITICAL|UNKNOWN)\b`)

// Byte units are scaled to bytes; every other unit is only stripped.
var unitFactors = map[string]float64{
	"KB": 1024,
	"MB": 1024 * 1024,
	"GB": 1024 * 1024 * 1024,
	"TB": 1024 * 1024 * 1024 * 1024,
}

// Threshold fields in the order they follow the value.
var thresholdNames = []string{"warn", "crit", "min", "max"}

// perfEntry is one parsed "label=value[UOM];warn;crit;min;max" entry.
// Missing or non-numeric thresholds are nil.
type perfEntry struct {
	label      string
	value      float64
	unit       string
	thresholds [4]*float64
}

// digestPlugin parses monitoring plugin output. Without a "|" separator
// there is no performance data and nothing is emitted.
func (e *Engine) digestPlugin(set *metricSet, raw string) {
	text, perf, ok := splitPluginOutput(raw)
	if !ok {
		e.logger.Debug("No performance data in plugin output",
			zap.String("item", set.itemKey),
			zap.String("output", truncate(strings.TrimSpace(raw))))
		return
	}

	if m := statusPattern.FindString(text); m != "" {
		set.add(pluginStates[m], models.SuffixStatus)
	}

	for _, field := range splitPerfEntries(perf) {
		entry, err := parsePerfEntry(field)
		if err != nil {
			e.logger.Warn("Skipping malformed performance data entry",
				zap.String("item", set.itemKey),
				zap.String("entry", field),
				zap.Error(err))
			continue
		}
		factor := 1.0
		if f, ok := unitFactors[entry.unit]; ok {
			factor = f
		}
		set.add(entry.value*factor, entry.label)
		for i, th := range entry.thresholds {
			if th != nil {
				set.add(*th*factor, entry.label, thresholdNames[i])
			}
		}
	}
}

// splitPluginOutput separates the human readable text of the first line
// from the performance data. Performance data follows the first "|" of the
// first line and, in the long output form, the first "|" of any later
// line together with every line after it.
func splitPluginOutput(raw string) (text, perf string, ok bool) {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	var perfParts []string

	first := lines[0]
	if i := strings.IndexByte(first, '|'); i >= 0 {
		text = first[:i]
		perfParts = append(perfParts, first[i+1:])
		ok = true
	} else {
		text = first
	}

	for i := 1; i < len(lines); i++ {
		if j := strings.IndexByte(lines[i], '|'); j >= 0 {
			perfParts = append(perfParts, lines[i][j+1:])
			perfParts = append(perfParts, lines[i+1:]...)
			ok = true
			break
		}
	}
	return text, strings.Join(perfParts, " "), ok
}

// splitPerfEntries splits on whitespace outside of single quotes. Quotes
// are kept so parsePerfEntry can unquote the label.
func splitPerfEntries(perf string) []string {
	var (
		entries []string
		cur     strings.Builder
		quoted  bool
	)
	flush := func() {
		if cur.Len() > 0 {
			entries = append(entries, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(perf); i++ {
		c := perf[i]
		switch {
		case c == '\'':
			cur.WriteByte(c)
			if quoted && i+1 < len(perf) && perf[i+1] == '\'' {
				cur.WriteByte('\'')
				i++
				continue
			}
			quoted = !quoted
		case !quoted && (c == ' ' || c == '\t' || c == '\r' || c == '\n'):
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return entries
}

var (
	errNoLabel = errors.New("empty label")
	errNoValue = errors.New("missing value")
)

func parsePerfEntry(entry string) (perfEntry, error) {
	label, rest, err := splitLabel(entry)
	if err != nil {
		return perfEntry{}, err
	}

	fields := strings.Split(rest, ";")
	num, unit := splitUnit(strings.TrimSpace(fields[0]))
	if num == "" {
		return perfEntry{}, errNoValue
	}
	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return perfEntry{}, fmt.Errorf("value %q: %w", fields[0], err)
	}

	pe := perfEntry{label: label, value: value, unit: unit}
	for i := 0; i < len(thresholdNames) && i+1 < len(fields); i++ {
		f := strings.TrimSpace(fields[i+1])
		if f == "" {
			continue
		}
		// Ranges like "10:", "~:5" or "@1:2" are not single numbers.
		th, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(th) || math.IsInf(th, 0) {
			continue
		}
		pe.thresholds[i] = &th
	}
	return pe, nil
}

// splitLabel returns the (unquoted) label and everything after the "=".
func splitLabel(entry string) (label, rest string, err error) {
	if strings.HasPrefix(entry, "'") {
		var b strings.Builder
		i := 1
		for ; i < len(entry); i++ {
			if entry[i] != '\'' {
				b.WriteByte(entry[i])
				continue
			}
			if i+1 < len(entry) && entry[i+1] == '\'' {
				b.WriteByte('\'')
				i++
				continue
			}
			break
		}
		if i >= len(entry) {
			return "", "", errors.New("unterminated quoted label")
		}
		if i+1 >= len(entry) || entry[i+1] != '=' {
			return "", "", errors.New("missing '=' after label")
		}
		label, rest = b.String(), entry[i+2:]
	} else {
		eq := strings.IndexByte(entry, '=')
		if eq < 0 {
			return "", "", errors.New("missing '='")
		}
		label, rest = entry[:eq], entry[eq+1:]
	}
	if strings.TrimSpace(label) == "" {
		return "", "", errNoLabel
	}
	return label, rest, nil
}

// splitUnit splits "12.5ms" into "12.5" and "ms". An "e" or "E" is an
// exponent only when digits follow it, so "5events" keeps its unit.
func splitUnit(s string) (num, unit string) {
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case strings.IndexByte("+-.0123456789", c) >= 0:
			i++
		case (c == 'e' || c == 'E') && i > 0 && exponentAt(s, i):
			i += 2
		default:
			return s[:i], s[i:]
		}
	}
	return s, ""
}

// exponentAt reports whether s[i] starts an exponent: a digit, optionally
// after a sign, must follow.
func exponentAt(s string, i int) bool {
	j := i + 1
	if j < len(s) && (s[j] == '+' || s[j] == '-') {
		j++
	}
	return j < len(s) && s[j] >= '0' && s[j] <= '9'
}
