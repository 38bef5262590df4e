package panel

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// parseRows returns the trimmed cell texts of every <tr> in fragment.
// Header rows (only <th>) produce no entry.
func parseRows(fragment string) ([][]string, error) {
	// A bare <tbody> outside a <table> is dropped by the HTML5 parser.
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(fragment)), "<table") {
		fragment = "<table>" + fragment + "</table>"
	}
	root, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil, err
	}

	var rows [][]string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && c.DataAtom == atom.Td {
					cells = append(cells, cellText(c))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return rows, nil
}

// cellText concatenates text nodes and collapses whitespace.
func cellText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// findPassword returns the second cell of the first row whose first cell
// is exactly username. A first match without a password cell reports false
// so the caller reads the listing again instead of trusting a later row.
func findPassword(rows [][]string, username string) (string, bool) {
	for _, r := range rows {
		if len(r) == 0 || r[0] != username {
			continue
		}
		if len(r) < 2 || r[1] == "" {
			return "", false
		}
		return r[1], true
	}
	return "", false
}
