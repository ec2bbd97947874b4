package cleaner

import (
	"fmt"
	nurl "net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

// minArticleText is the shortest readability text we trust. Anything
// shorter means the algorithm missed the main content.
const minArticleText = 50

// mainContent runs Mozilla Readability over rawHTML and returns the main
// content as HTML plus the detected title. When readability fails or finds
// too little text, the whole document is returned with an empty title.
func mainContent(rawHTML, sourceURL string) (content, title string, err error) {
	parsedURL, err := nurl.Parse(sourceURL)
	if err != nil {
		return rawHTML, "", fmt.Errorf("parse source url: %w", err)
	}

	article, err := readability.FromReader(strings.NewReader(rawHTML), parsedURL)
	if err != nil {
		return rawHTML, "", fmt.Errorf("readability: %w", err)
	}
	if len(strings.TrimSpace(article.TextContent)) < minArticleText {
		return rawHTML, article.Title, fmt.Errorf("readability: only %d characters of text", len(article.TextContent))
	}
	return article.Content, article.Title, nil
}
