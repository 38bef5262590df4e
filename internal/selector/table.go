package selector

import (
	"fmt"
	"sort"
)

// Target is a semantic element the panel session needs to find.
type Target string

const (
	LoginUsername  Target = "login_username"
	LoginPassword  Target = "login_password"
	LoginSubmit    Target = "login_submit"
	LoginForm      Target = "login_form"
	QuotaDisplay   Target = "quota_display"
	AddNewButton   Target = "create_add_new"
	CreateUsername Target = "create_username"
	CreatePackage  Target = "create_package"
	CreateSubmit   Target = "create_submit"
	AccountTable   Target = "accounts_table"
	PanelAlert     Target = "panel_alert"
)

// Table maps each target to its candidates in priority order.
type Table map[Target][]Locator

// DefaultTable is the built-in candidate list for the reseller panel.
func DefaultTable() Table {
	return Table{
		LoginUsername: {
			CSS(`input[name="username"]`),
			CSS(`input[name="email"]`),
			CSS(`input[type="email"]`),
			CSS(`input[type="text"]`),
		},
		LoginPassword: {
			CSS(`input[name="password"]`),
			CSS(`input[type="password"]`),
		},
		LoginSubmit: {
			CSS(`button[type="submit"]`),
			CSS(`input[type="submit"]`),
			ContainsText("Entrar"),
			ContainsText("Login"),
		},
		// Still visible after submitting credentials means the login was refused.
		LoginForm: {
			CSS(`form input[type="password"]`),
		},
		QuotaDisplay: {
			CSS(`#reseller_xc_credits`),
			CSS(`.reseller-credits`),
			CSS(`[class*="credits"]`),
		},
		AddNewButton: {
			Text("Adicionar Novo"),
			ContainsText("Adicionar"),
			CSS(`.btn-add-new`),
			CSS(`[data-target*="add"]`),
		},
		CreateUsername: {
			CSS(`#line_username`),
			CSS(`.modal.show input[name="username"]`),
			CSS(`.modal input[name*="user"]`),
		},
		CreatePackage: {
			CSS(`#package_line`),
			CSS(`.modal select[name*="package"]`),
			CSS(`select[name*="package"]`),
		},
		CreateSubmit: {
			CSS(`#create_user_account`),
			CSS(`.modal.show button[type="submit"]`),
			ContainsText("Criar"),
		},
		AccountTable: {
			CSS(`table tbody`),
			CSS(`table`),
		},
		PanelAlert: {
			CSS(`.alert-danger`),
			CSS(`.swal2-icon-error`),
			CSS(`.toast-error`),
		},
	}
}

// Candidates returns the ordered candidate list for target.
func (t Table) Candidates(target Target) []Locator {
	return t[target]
}

// Targets lists the table's targets sorted by name.
func (t Table) Targets() []Target {
	out := make([]Target, 0, len(t))
	for k := range t {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WithOverrides returns a copy of t where every target named in overrides
// has its candidate list replaced. Unknown target names are rejected so a
// typo in the config fails loudly instead of being ignored.
func (t Table) WithOverrides(overrides map[string][]string) (Table, error) {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = append([]Locator(nil), v...)
	}
	for name, raw := range overrides {
		target := Target(name)
		if _, known := t[target]; !known {
			return nil, fmt.Errorf("selector override for unknown target %q", name)
		}
		if len(raw) == 0 {
			return nil, fmt.Errorf("selector override for %q is empty", name)
		}
		locs := make([]Locator, 0, len(raw))
		for _, s := range raw {
			l, err := Parse(s)
			if err != nil {
				return nil, fmt.Errorf("selector override for %q: %w", name, err)
			}
			locs = append(locs, l)
		}
		out[target] = locs
	}
	return out, nil
}
