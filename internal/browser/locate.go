package browser

import (
	"fmt"

	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/panelbot/internal/selector"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// queryOption maps a locator kind onto chromedp's selector modes.
func queryOption(loc selector.Locator) chromedp.QueryOption {
	if loc.Kind == selector.KindXPath {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// jsString encodes s as a JavaScript string literal.
func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// Marshal of a string cannot fail.
		panic(err)
	}
	return string(b)
}

// jsFindAll returns a JS expression evaluating to an array of every element
// matching loc.
func jsFindAll(loc selector.Locator) string {
	if loc.Kind == selector.KindXPath {
		return fmt.Sprintf(`(() => {
	const snap = document.evaluate(%s, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
	const out = [];
	for (let i = 0; i < snap.snapshotLength; i++) out.push(snap.snapshotItem(i));
	return out;
})()`, jsString(loc.Value))
	}
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s))`, jsString(loc.Value))
}

// probeScript reports whether any match of loc is rendered and enabled.
func probeScript(loc selector.Locator) string {
	return fmt.Sprintf(`(() => {
	const els = %s;
	return els.some(el => {
		if (!(el instanceof Element)) return false;
		const r = el.getBoundingClientRect();
		const st = window.getComputedStyle(el);
		return r.width > 0 && r.height > 0 && st.visibility !== 'hidden' && st.display !== 'none' && !el.disabled;
	});
})()`, jsFindAll(loc))
}

// selectScript sets the value of the first match and fires the events
// panel scripts listen for. It returns "ok", "missing" or "no-option".
func selectScript(loc selector.Locator, value string) string {
	return fmt.Sprintf(`(() => {
	const el = (%s)[0];
	if (!el) return "missing";
	const v = %s;
	if (el.tagName === "SELECT" && !Array.from(el.options).some(o => o.value === v)) return "no-option";
	el.value = v;
	el.dispatchEvent(new Event("input", { bubbles: true }));
	el.dispatchEvent(new Event("change", { bubbles: true }));
	return "ok";
})()`, jsFindAll(loc), jsString(value))
}
