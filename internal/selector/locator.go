package selector

import (
	"fmt"
	"strings"
)

// Kind is the query language of a Locator.
type Kind string

const (
	KindCSS   Kind = "css"
	KindXPath Kind = "xpath"
)

// Locator is one concrete way to find an element on a page.
type Locator struct {
	Kind  Kind
	Value string
}

func CSS(v string) Locator   { return Locator{Kind: KindCSS, Value: v} }
func XPath(v string) Locator { return Locator{Kind: KindXPath, Value: v} }

// Text matches any element whose own normalized text equals label.
func Text(label string) Locator {
	return XPath(fmt.Sprintf("//*[normalize-space(text())=%s]", xpathLiteral(label)))
}

// ContainsText matches clickable elements whose text contains label.
func ContainsText(label string) Locator {
	lit := xpathLiteral(label)
	return XPath(fmt.Sprintf("//a[contains(normalize-space(.),%s)] | //button[contains(normalize-space(.),%s)]", lit, lit))
}

// Parse reads the config notation: "css:...", "xpath:...", "text:..." or a
// bare CSS selector.
func Parse(s string) (Locator, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Locator{}, fmt.Errorf("empty selector")
	}
	prefix, rest, ok := strings.Cut(s, ":")
	if ok {
		rest = strings.TrimSpace(rest)
		switch strings.ToLower(prefix) {
		case "css":
			return nonEmpty(CSS(rest))
		case "xpath":
			return nonEmpty(XPath(rest))
		case "text":
			if rest == "" {
				return Locator{}, fmt.Errorf("empty text selector")
			}
			return Text(rest), nil
		}
	}
	// Pseudo-classes like "a:hover" land here too.
	return CSS(s), nil
}

func nonEmpty(l Locator) (Locator, error) {
	if l.Value == "" {
		return Locator{}, fmt.Errorf("empty %s selector", l.Kind)
	}
	return l, nil
}

func (l Locator) String() string {
	return string(l.Kind) + ":" + l.Value
}

// xpathLiteral quotes s for use inside an XPath expression. XPath 1.0 has no
// escapes, so strings holding both quote kinds are built with concat().
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(quoted, ",") + ")"
}
