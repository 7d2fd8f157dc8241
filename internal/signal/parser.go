// Package signal recognizes free-text trading signals.
package signal

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	decorationRe = regexp.MustCompile(`[^\p{L}\p{N}_\s\-.:,/@#]`)
	spaceRe      = regexp.MustCompile(`\s+`)
	thousandsRe  = regexp.MustCompile(`\b\d{1,3}(?:,\d{3})+\b`)

	pairRe    = regexp.MustCompile(`#?\b([A-Z0-9]{2,}USDT?)\b`)
	hashtagRe = regexp.MustCompile(`#([A-Z0-9]{2,15})\b`)

	zoneDirectionRe = regexp.MustCompile(`(?i)\b(long|short)\s+entry\s+zone`)
	directionRe     = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(long|short|buy|sell|kupno|sprzedaż)`)
	termSuffixRe    = regexp.MustCompile(`(?i)^\s*-\s*term`)

	entryRe  = regexp.MustCompile(`(?i)\b(?:entry(?:\s+zone)?|wejście|zone)[\s:]*([0-9]+(?:\.[0-9]+)?(?:\s*-\s*[0-9]+(?:\.[0-9]+)?)?)`)
	targetRe = regexp.MustCompile(`(?i)\b(?:targets?|tp|cel)[\s:#]*(?:(\d{1,2})(?:\s*[:)]\s*|\s+))?([0-9]+(?:\.[0-9]+)?)`)
	stopRe   = regexp.MustCompile(`(?i)\b(?:stop[\s-]?loss|sl|stop)[\s:]*([0-9]+(?:\.[0-9]+)?)`)
)

// Parse extracts a TradeIntent from text. The boolean is false when text is
// not a signal: no symbol, no direction, or no positive entry.
func Parse(text string) (TradeIntent, bool) {
	clean := normalize(text)
	if clean == "" {
		return TradeIntent{}, false
	}

	symbol := parseSymbol(clean)
	if symbol == "" {
		return TradeIntent{}, false
	}
	dir, ok := parseDirection(clean)
	if !ok {
		return TradeIntent{}, false
	}
	entry, low, high, ok := parseEntry(clean)
	if !ok || entry <= 0 {
		return TradeIntent{}, false
	}

	intent := TradeIntent{
		Symbol:    symbol,
		Direction: dir,
		Entry:     entry,
		EntryLow:  low,
		EntryHigh: high,
		Targets:   parseTargets(clean, dir, entry),
	}
	if sl, ok := parseStop(clean); ok && dir.Profits(entry, sl) {
		intent.StopLoss = sl
	}
	return intent, true
}

func normalize(text string) string {
	s := decorationRe.ReplaceAllString(text, " ")
	s = thousandsRe.ReplaceAllStringFunc(s, func(n string) string {
		return strings.ReplaceAll(n, ",", "")
	})
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func parseSymbol(s string) string {
	upper := strings.ToUpper(s)
	if m := pairRe.FindStringSubmatch(upper); m != nil {
		sym := m[1]
		if strings.HasSuffix(sym, "USD") {
			sym += "T"
		}
		return sym
	}
	if m := hashtagRe.FindStringSubmatch(upper); m != nil {
		return m[1] + "USDT"
	}
	return ""
}

func parseDirection(s string) (Direction, bool) {
	if m := zoneDirectionRe.FindStringSubmatch(s); m != nil {
		return toDirection(m[1]), true
	}
	for _, loc := range directionRe.FindAllStringSubmatchIndex(s, -1) {
		end := loc[3]
		// whole word only
		if r, _ := utf8.DecodeRuneInString(s[end:]); end < len(s) && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			continue
		}
		// "Long-Term" describes a horizon, not a side
		if termSuffixRe.MatchString(s[end:]) {
			continue
		}
		return toDirection(s[loc[2]:loc[3]]), true
	}
	return "", false
}

func toDirection(word string) Direction {
	switch strings.ToLower(word) {
	case "short", "sell", "sprzedaż":
		return Short
	default:
		return Long
	}
}

func parseEntry(s string) (entry, low, high float64, ok bool) {
	m := entryRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, 0, false
	}
	parts := strings.SplitN(m[1], "-", 2)
	a, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, 0, false
	}
	if len(parts) == 1 {
		return a, 0, 0, true
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, 0, false
	}
	low, high = math.Min(a, b), math.Max(a, b)
	return (low + high) / 2, low, high, true
}

func parseTargets(s string, dir Direction, entry float64) []float64 {
	var targets []float64
	seen := make(map[float64]bool)
	for _, m := range targetRe.FindAllStringSubmatch(s, -1) {
		price, err := strconv.ParseFloat(m[2], 64)
		if err != nil || price <= 0 || seen[price] {
			continue
		}
		if !dir.Profits(price, entry) {
			continue
		}
		seen[price] = true
		targets = append(targets, price)
	}
	sort.Slice(targets, func(i, j int) bool {
		return math.Abs(targets[i]-entry) < math.Abs(targets[j]-entry)
	})
	return targets
}

func parseStop(s string) (float64, bool) {
	m := stopRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	sl, err := strconv.ParseFloat(m[1], 64)
	if err != nil || sl <= 0 {
		return 0, false
	}
	return sl, true
}
