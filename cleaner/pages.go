package cleaner

import (
	"strings"

	"github.com/use-agent/scrapeflow/simhash"
)

// PageBreak separates pages in paginated engine markdown.
const PageBreak = "\n\n--- PAGE BREAK ---\n\n"

// DedupePages drops pages whose body is a near-duplicate of an earlier
// page. Page headers ("# Page N - ...", "*Source: ...*") are ignored when
// comparing. It returns the rebuilt markdown and how many pages were
// dropped; markdown without page breaks is returned unchanged.
func DedupePages(markdown string) (string, int) {
	pages := strings.Split(markdown, PageBreak)
	if len(pages) < 2 {
		return markdown, 0
	}

	kept := make([]string, 0, len(pages))
	seen := make([]uint64, 0, len(pages))
	for _, page := range pages {
		body := pageBody(page)
		if strings.TrimSpace(body) == "" {
			kept = append(kept, page)
			continue
		}
		fp := simhash.Fingerprint(body)
		if containsSimilar(seen, fp) {
			continue
		}
		seen = append(seen, fp)
		kept = append(kept, page)
	}
	return strings.Join(kept, PageBreak), len(pages) - len(kept)
}

// pageBody strips the per-page header lines the engine prepends.
func pageBody(page string) string {
	lines := strings.Split(strings.TrimLeft(page, "\n"), "\n")
	i := 0
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if line == "" || strings.HasPrefix(line, "# Page ") || strings.HasPrefix(line, "*Source:") {
			i++
			continue
		}
		break
	}
	return strings.Join(lines[i:], "\n")
}

func containsSimilar(seen []uint64, fp uint64) bool {
	for _, s := range seen {
		if simhash.Similar(s, fp, simhash.DefaultThreshold) {
			return true
		}
	}
	return false
}
