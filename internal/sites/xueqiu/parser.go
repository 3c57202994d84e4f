package xueqiu

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	prefixedSymbol = regexp.MustCompile(`^(SZ|SH|HK)\d+$`)
	aShareCode     = regexp.MustCompile(`^\d{6}$`)
	hkCode         = regexp.MustCompile(`^\d{2,5}$`)
	stockHref      = regexp.MustCompile(`/S/([A-Za-z0-9.]+)`)
	firstNumber    = regexp.MustCompile(`(\d+(?:\.\d+)?)`)
)

// normalizeSymbol turns a user-facing code into Xueqiu's symbol form.
// Rules:
// 1. SZ/SH/HK prefix + number → uppercase as is
// 2. 6-digit number → SH or SZ prefix by first digit
// 3. 2-5 digit number → zero-padded HK code
// 4. Anything else (US tickers) → uppercase
func normalizeSymbol(code string) string {
	code = strings.TrimSpace(code)
	upper := strings.ToUpper(code)

	switch {
	case prefixedSymbol.MatchString(upper):
		return upper
	case aShareCode.MatchString(code):
		prefix := "SH"
		if ch := code[0]; ch == '0' || ch == '3' || ch == '1' {
			prefix = "SZ"
		}
		return prefix + code
	case hkCode.MatchString(code):
		return fmt.Sprintf("%05s", code)
	default:
		return upper
	}
}

// symbolFromHref extracts the symbol from a stock page link like /S/SH600519.
func symbolFromHref(href string) string {
	m := stockHref.FindStringSubmatch(href)
	if m == nil {
		return ""
	}
	return normalizeSymbol(m[1])
}

// parseRelativeTime resolves the timestamps Xueqiu renders on the timeline
// against now.
func parseRelativeTime(relTime string, now time.Time) time.Time {
	relTime = strings.TrimSpace(relTime)
	if relTime == "" {
		return now
	}

	// Remove suffix like "· 来自Android"
	if idx := strings.Index(relTime, "·"); idx > 0 {
		relTime = strings.TrimSpace(relTime[:idx])
	}

	n := 0
	if match := firstNumber.FindString(relTime); match != "" {
		n, _ = strconv.Atoi(strings.Split(match, ".")[0])
	}

	// The UI is Chinese: "5分钟前" is 5 minutes ago, "昨天 10:30" is yesterday.
	switch {
	case strings.HasPrefix(relTime, "刚刚"):
		return now
	case strings.HasPrefix(relTime, "今天"), strings.HasPrefix(relTime, "昨天"):
		day := now
		if strings.HasPrefix(relTime, "昨天") {
			day = now.AddDate(0, 0, -1)
		}
		clock := strings.TrimSpace(strings.TrimLeft(relTime, "今天昨"))
		if t, err := time.ParseInLocation("15:04", clock, now.Location()); err == nil {
			return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		}
		return day
	case strings.Contains(relTime, "秒"):
		return now.Add(-time.Duration(n) * time.Second)
	case strings.Contains(relTime, "分钟"):
		return now.Add(-time.Duration(n) * time.Minute)
	case strings.Contains(relTime, "小时"):
		return now.Add(-time.Duration(n) * time.Hour)
	case strings.Contains(relTime, "天"):
		return now.AddDate(0, 0, -n)
	case strings.Contains(relTime, "周"):
		return now.AddDate(0, 0, -n*7)
	case strings.Contains(relTime, "月"):
		return now.AddDate(0, -n, 0)
	case strings.Contains(relTime, "年"):
		return now.AddDate(-n, 0, 0)
	}

	layouts := []string{"2006-01-02 15:04", "2006-01-02", "01-02 15:04", "01-02"}
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, relTime, now.Location())
		if err != nil {
			continue
		}
		if t.Year() == 0 {
			t = time.Date(now.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
			if t.After(now) {
				t = t.AddDate(-1, 0, 0)
			}
		}
		return t
	}
	return now
}

// cleanStatText removes the "·" prefix from statistics text
func cleanStatText(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "·")
	return strings.TrimSpace(s)
}

// parseCount reads counters like "·12", "评论 3" or "1.2万".
func parseCount(s string) int {
	s = cleanStatText(s)
	match := firstNumber.FindString(s)
	if match == "" {
		return 0
	}
	f, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	if strings.Contains(s, "万") {
		f *= 10000
	}
	return int(math.Round(f))
}

// htmlText flattens the HTML fragments the API returns for post bodies.
func htmlText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return strings.TrimSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	doc.Find("br").ReplaceWithHtml("\n")
	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
