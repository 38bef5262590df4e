// Package paneltest provides an in-memory panel.Page for tests.
package paneltest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/panelbot/internal/panel"
	"github.com/xkilldash9x/panelbot/internal/selector"
)

// Page simulates the reseller panel. Elements are "present" by locator
// value; failures and panics are injected per operation key, either the
// bare operation ("navigate") or operation plus locator ("click:#x").
type Page struct {
	mu sync.Mutex

	Present map[string]bool
	Texts   map[string]string

	// Password is what the listing shows for the submitted username.
	Password string
	// RowDelay is how many listing reads happen before the row shows up.
	RowDelay int
	// ExtraRows are always in the listing.
	ExtraRows [][]string
	// OmitRow keeps the submitted username out of the listing entirely.
	OmitRow bool
	// AfterSubmit maps locators to the text they show once the create
	// button has been clicked.
	AfterSubmit map[string]string

	FailOn  map[string]error
	PanicOn string

	Calls       []string
	Navigations []string
	Filled      map[string]string
	Selected    map[string]string
	Probes      []string
	CloseCount  int
	listReads   int
	submitted   string
}

// Happy returns a page where every default primary candidate exists, the
// credit display shows quota and the listing reports password.
func Happy(quota, password string) *Page {
	return &Page{
		Present: map[string]bool{
			`input[name="username"]`:            true,
			`input[name="password"]`:            true,
			`button[type="submit"]`:             true,
			"#reseller_xc_credits":              true,
			selector.Text("Adicionar Novo").Value: true,
			"#line_username":                    true,
			"#package_line":                     true,
			"#create_user_account":              true,
			"table tbody":                       true,
		},
		Texts:       map[string]string{"#reseller_xc_credits": quota},
		Password:    password,
		AfterSubmit: map[string]string{},
		FailOn:      map[string]error{},
		Filled:      map[string]string{},
		Selected:    map[string]string{},
	}
}

var _ panel.Page = (*Page)(nil)

// enter records op and applies injected failures.
func (p *Page) enter(op string, loc *selector.Locator) error {
	key := op
	if loc != nil {
		key = op + ":" + loc.Value
	}
	p.mu.Lock()
	p.Calls = append(p.Calls, key)
	panicOn := p.PanicOn
	err, ok := p.FailOn[key]
	if !ok {
		err = p.FailOn[op]
	}
	p.mu.Unlock()

	if panicOn == key || panicOn == op {
		panic(fmt.Sprintf("injected panic in %s", key))
	}
	return err
}

func (p *Page) Probe(ctx context.Context, loc selector.Locator) (bool, error) {
	if err := p.enter("probe", &loc); err != nil {
		return false, err
	}
	p.mu.Lock()
	p.Probes = append(p.Probes, loc.Value)
	present := p.Present[loc.Value]
	p.mu.Unlock()
	if err := ctx.Err(); err != nil && !present {
		return false, nil
	}
	return present, nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.enter("navigate", nil); err != nil {
		return err
	}
	p.mu.Lock()
	p.Navigations = append(p.Navigations, url)
	p.mu.Unlock()
	return ctx.Err()
}

func (p *Page) WaitVisible(ctx context.Context, loc selector.Locator, _ time.Duration) error {
	return p.enter("wait", &loc)
}

func (p *Page) Fill(ctx context.Context, loc selector.Locator, text string) error {
	if err := p.enter("fill", &loc); err != nil {
		return err
	}
	p.mu.Lock()
	p.Filled[loc.Value] = text
	p.mu.Unlock()
	return nil
}

func (p *Page) Click(ctx context.Context, loc selector.Locator) error {
	if err := p.enter("click", &loc); err != nil {
		return err
	}
	p.mu.Lock()
	if loc.Value == "#create_user_account" {
		p.submitted = p.Filled["#line_username"]
		for value, text := range p.AfterSubmit {
			p.Present[value] = true
			p.Texts[value] = text
		}
	}
	p.mu.Unlock()
	return nil
}

func (p *Page) Select(ctx context.Context, loc selector.Locator, value string) error {
	if err := p.enter("select", &loc); err != nil {
		return err
	}
	p.mu.Lock()
	p.Selected[loc.Value] = value
	p.mu.Unlock()
	return nil
}

func (p *Page) ReadText(ctx context.Context, loc selector.Locator) (string, error) {
	if err := p.enter("text", &loc); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Texts[loc.Value], nil
}

func (p *Page) ReadHTML(ctx context.Context, loc selector.Locator) (string, error) {
	if err := p.enter("html", &loc); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listReads++

	rows := append([][]string(nil), p.ExtraRows...)
	if p.submitted != "" && !p.OmitRow && p.listReads > p.RowDelay {
		rows = append(rows, []string{p.submitted, p.Password})
	}
	html := "<tbody>"
	for _, r := range rows {
		html += "<tr>"
		for _, c := range r {
			html += "<td> " + c + " </td>"
		}
		html += "</tr>"
	}
	return html + "</tbody>", nil
}

func (p *Page) WaitNetworkIdle(ctx context.Context, _, _ time.Duration) error {
	return p.enter("idle", nil)
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.enter("screenshot", nil); err != nil {
		return nil, err
	}
	return []byte("\x89PNG fake"), nil
}

func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	p.CloseCount++
	p.mu.Unlock()
	return p.enter("close", nil)
}

// Closes reports how many times Close was called.
func (p *Page) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CloseCount
}

// Called reports whether op (or op:locator) was recorded.
func (p *Page) Called(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.Calls {
		if c == key {
			return true
		}
	}
	return false
}

// NavigatedTo returns the recorded navigation URLs.
func (p *Page) NavigatedTo() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Navigations...)
}

// Driver hands out one Page.
type Driver struct {
	mu      sync.Mutex
	Page    *Page
	OpenErr error
	Opens   int
}

func (d *Driver) Open(ctx context.Context) (panel.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Opens++
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	return d.Page, nil
}
