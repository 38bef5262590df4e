package panel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/panelbot/api/schemas"
	"github.com/xkilldash9x/panelbot/internal/config"
	"github.com/xkilldash9x/panelbot/internal/selector"
)

// Session drives one logged-in visit to the reseller panel. Methods must be
// called in workflow order; calling one out of order, or after a failure,
// returns an INVALID_STATE error without touching the page.
type Session struct {
	page     Page
	resolver *selector.Resolver
	cfg      config.PanelConfig
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	state State

	closeOnce sync.Once
	closeErr  error
}

func NewSession(page Page, resolver *selector.Resolver, cfg config.PanelConfig, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		page:     page,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.Named("panel"),
		sleep:    sleepCtx,
		state:    StateUnauthenticated,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance moves to next if the current state is one of from.
func (s *Session) advance(next State, from ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range from {
		if s.state == f {
			s.state = next
			return nil
		}
	}
	return schemas.NewError(schemas.ErrCodeInvalidState,
		fmt.Sprintf("cannot enter %s from %s", next, s.state), nil)
}

func (s *Session) set(next State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = next
	}
	s.mu.Unlock()
}

// fail marks the session failed and wraps cause under code.
func (s *Session) fail(code schemas.ErrorCode, msg string, cause error) error {
	s.set(StateFailed)
	return schemas.NewError(code, msg, cause)
}

// settle waits for the network to go quiet. Timing out is only logged; a
// finished caller context is returned.
func (s *Session) settle(ctx context.Context) error {
	err := s.page.WaitNetworkIdle(ctx, s.cfg.NetworkQuietPeriod, s.cfg.NetworkIdleTimeout)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Debug("Network did not go idle, continuing", zap.Error(err))
	return nil
}

const awaitInterval = 100 * time.Millisecond

// await re-resolves target until it appears or timeout elapses.
func (s *Session) await(ctx context.Context, target selector.Target, timeout time.Duration) (selector.Locator, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		loc, err := s.resolver.Resolve(waitCtx, s.page, target)
		if err == nil {
			return loc, nil
		}
		if !errors.Is(err, selector.ErrNotFound) || waitCtx.Err() != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return selector.Locator{}, schemas.NewError(schemas.ErrCodeDriverTimeout,
					fmt.Sprintf("%s did not appear within %s", target, timeout), err)
			}
			return selector.Locator{}, err
		}
		select {
		case <-waitCtx.Done():
		case <-time.After(awaitInterval):
		}
	}
}

// Login opens the panel and signs in with the configured reseller account.
func (s *Session) Login(ctx context.Context) error {
	if err := s.advance(StateAuthenticating, StateUnauthenticated); err != nil {
		return err
	}
	const code = schemas.ErrCodeAuthentication

	if err := s.page.Navigate(ctx, s.cfg.BaseURL); err != nil {
		return s.fail(code, "opening the login page", err)
	}

	fields := []struct {
		target selector.Target
		value  string
	}{
		{selector.LoginUsername, s.cfg.Username},
		{selector.LoginPassword, s.cfg.Password},
	}
	for _, f := range fields {
		loc, err := s.resolver.Resolve(ctx, s.page, f.target)
		if err != nil {
			return s.fail(code, "locating the login form", err)
		}
		if err := s.page.Fill(ctx, loc, f.value); err != nil {
			return s.fail(code, "filling the login form", err)
		}
	}

	submit, err := s.resolver.Resolve(ctx, s.page, selector.LoginSubmit)
	if err != nil {
		return s.fail(code, "locating the login button", err)
	}
	if err := s.page.Click(ctx, submit); err != nil {
		return s.fail(code, "submitting the login form", err)
	}
	if err := s.settle(ctx); err != nil {
		return s.fail(code, "waiting for the login to complete", err)
	}

	// The password field surviving the submit means the panel refused us.
	_, err = s.resolver.Resolve(ctx, s.page, selector.LoginForm)
	switch {
	case err == nil:
		return s.fail(code, "the panel rejected the reseller credentials", nil)
	case !errors.Is(err, selector.ErrNotFound):
		return s.fail(code, "checking the login result", err)
	}

	s.set(StateAuthenticated)
	s.logger.Info("Logged in to panel")
	return nil
}

var quotaPattern = regexp.MustCompile(`(-?)(\d+(?:[.,]\d{3})*)`)

// parseQuota extracts the first integer in text, ignoring thousands
// separators. Negative balances read as zero.
func parseQuota(text string) (int, bool) {
	m := quotaPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	digits := strings.NewReplacer(".", "", ",", "").Replace(m[2])
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	if m[1] == "-" {
		return 0, true
	}
	return n, true
}

// ReadQuota reads the reseller's remaining credits. When the display can't
// be found or parsed the configured default is returned flagged Advisory;
// only a finished context or a misuse of the session is an error.
func (s *Session) ReadQuota(ctx context.Context) (schemas.QuotaSnapshot, error) {
	if st := s.State(); st != StateAuthenticated {
		return schemas.QuotaSnapshot{}, schemas.NewError(schemas.ErrCodeInvalidState,
			fmt.Sprintf("cannot read quota while %s", st), nil)
	}
	fallback := schemas.QuotaSnapshot{Remaining: s.cfg.DefaultQuota, Advisory: true}

	loc, err := s.resolver.Resolve(ctx, s.page, selector.QuotaDisplay)
	if err != nil {
		if ctx.Err() != nil {
			return schemas.QuotaSnapshot{}, ctx.Err()
		}
		s.logger.Warn("Credit display not found, assuming default quota", zap.Int("default", s.cfg.DefaultQuota), zap.Error(err))
		return fallback, nil
	}
	text, err := s.page.ReadText(ctx, loc)
	if err != nil {
		if ctx.Err() != nil {
			return schemas.QuotaSnapshot{}, ctx.Err()
		}
		s.logger.Warn("Could not read credit display, assuming default quota", zap.Error(err))
		return fallback, nil
	}
	n, ok := parseQuota(text)
	if !ok {
		s.logger.Warn("Credit display is not a number, assuming default quota", zap.String("text", text))
		return fallback, nil
	}
	s.logger.Debug("Read quota", zap.Int("remaining", n))
	return schemas.QuotaSnapshot{Remaining: n}, nil
}

// SectionURL resolves the listing path for kind against the panel origin.
func SectionURL(cfg config.PanelConfig, kind schemas.AccountKind) (string, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing panel url: %w", err)
	}
	path := cfg.PermanentPath
	if kind == schemas.AccountTrial {
		path = cfg.TrialPath
	}
	return (&url.URL{Scheme: base.Scheme, Host: base.Host, Path: path}).String(), nil
}

// NavigateToSection opens the listing page for kind.
func (s *Session) NavigateToSection(ctx context.Context, kind schemas.AccountKind) error {
	if err := s.advance(StateNavigating, StateAuthenticated); err != nil {
		return err
	}
	const code = schemas.ErrCodeNavigation
	if !kind.Valid() {
		return s.fail(code, fmt.Sprintf("unknown account kind %q", kind), nil)
	}
	target, err := SectionURL(s.cfg, kind)
	if err != nil {
		return s.fail(code, "building the section url", err)
	}
	if err := s.page.Navigate(ctx, target); err != nil {
		return s.fail(code, fmt.Sprintf("opening the %s section", kind), err)
	}
	if err := s.settle(ctx); err != nil {
		return s.fail(code, "waiting for the section to load", err)
	}
	s.set(StateAuthenticated)
	s.logger.Debug("Opened section", zap.String("kind", string(kind)), zap.String("url", target))
	return nil
}

// OpenCreateForm opens the "add new" dialog and waits until its username
// field accepts input.
func (s *Session) OpenCreateForm(ctx context.Context) error {
	if err := s.advance(StateFormOpen, StateAuthenticated); err != nil {
		return err
	}
	const code = schemas.ErrCodeFormOpen

	add, err := s.resolver.Resolve(ctx, s.page, selector.AddNewButton)
	if err != nil {
		return s.fail(code, "locating the add button", err)
	}
	if err := s.page.Click(ctx, add); err != nil {
		return s.fail(code, "clicking the add button", err)
	}
	if _, err := s.await(ctx, selector.CreateUsername, s.cfg.FormTimeout); err != nil {
		return s.fail(code, "waiting for the creation form", err)
	}
	// Fixed pause for the modal animation; inputs can be present but
	// still sliding in.
	if err := s.sleep(ctx, s.cfg.SettleDelay); err != nil {
		return s.fail(code, "waiting for the creation form", err)
	}
	return nil
}

// Submit fills the creation form and sends it. A panel error alert that
// appears or changes after the click fails the submission with the alert's
// text; an alert already showing before the click is not a rejection.
func (s *Session) Submit(ctx context.Context, username, packageID string) error {
	if err := s.advance(StateSubmitting, StateFormOpen); err != nil {
		return err
	}
	const code = schemas.ErrCodeSubmission

	userField, err := s.resolver.Resolve(ctx, s.page, selector.CreateUsername)
	if err != nil {
		return s.fail(code, "locating the username field", err)
	}
	if err := s.page.Fill(ctx, userField, username); err != nil {
		return s.fail(code, "filling the username", err)
	}

	pkgField, err := s.resolver.Resolve(ctx, s.page, selector.CreatePackage)
	if err != nil {
		return s.fail(code, "locating the package field", err)
	}
	if err := s.page.Select(ctx, pkgField, packageID); err != nil {
		return s.fail(code, fmt.Sprintf("selecting package %s", packageID), err)
	}

	create, err := s.resolver.Resolve(ctx, s.page, selector.CreateSubmit)
	if err != nil {
		return s.fail(code, "locating the create button", err)
	}
	before, hadAlert, err := s.readAlert(ctx)
	if err != nil {
		return s.fail(code, "checking for a panel error", err)
	}
	if err := s.page.Click(ctx, create); err != nil {
		return s.fail(code, "clicking the create button", err)
	}
	if err := s.settle(ctx); err != nil {
		return s.fail(code, "waiting for the panel to answer", err)
	}

	after, shown, err := s.readAlert(ctx)
	if err != nil {
		return s.fail(code, "checking for a panel error", err)
	}
	if shown {
		if hadAlert && after == before {
			// Banner left over from the listing page.
			s.logger.Debug("Ignoring panel alert shown before submitting", zap.String("text", after.text))
		} else {
			text := after.text
			if text == "" {
				text = "the panel showed an error"
			}
			return s.fail(code, text, nil)
		}
	}

	s.logger.Info("Submitted account", zap.String("username", username), zap.String("package_id", packageID))
	return nil
}

// panelAlert is the error alert visible at one moment.
type panelAlert struct {
	loc  selector.Locator
	text string
}

// readAlert reports the first visible panel error alert, if any.
func (s *Session) readAlert(ctx context.Context) (panelAlert, bool, error) {
	loc, err := s.resolver.Resolve(ctx, s.page, selector.PanelAlert)
	if errors.Is(err, selector.ErrNotFound) {
		return panelAlert{}, false, nil
	}
	if err != nil {
		return panelAlert{}, false, err
	}
	text, err := s.page.ReadText(ctx, loc)
	if err != nil {
		s.logger.Debug("Could not read panel alert text", zap.Stringer("locator", loc), zap.Error(err))
	}
	return panelAlert{loc: loc, text: strings.TrimSpace(text)}, true, nil
}

// ExtractCredentials finds the row for username in the listing and returns
// its password. The listing is re-read up to ExtractAttempts times with a
// linearly growing pause in between.
func (s *Session) ExtractCredentials(ctx context.Context, username string) (string, error) {
	if err := s.advance(StateCredentialsPending, StateSubmitting); err != nil {
		return "", err
	}
	const code = schemas.ErrCodeCredentialExtraction

	var lastErr error
	for attempt := 1; attempt <= s.cfg.ExtractAttempts; attempt++ {
		password, err := s.readPassword(ctx, username)
		if err == nil {
			s.set(StateAuthenticated)
			s.logger.Info("Read credentials from listing", zap.String("username", username), zap.Int("attempt", attempt))
			return password, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < s.cfg.ExtractAttempts {
			s.logger.Debug("Account row not visible yet", zap.Int("attempt", attempt), zap.Error(err))
			if err := s.sleep(ctx, time.Duration(attempt)*s.cfg.ExtractBackoff); err != nil {
				lastErr = err
				break
			}
		}
	}
	return "", s.fail(code, fmt.Sprintf("no listing row for %s after %d attempts", username, s.cfg.ExtractAttempts), lastErr)
}

var errRowMissing = errors.New("row not in listing")

func (s *Session) readPassword(ctx context.Context, username string) (string, error) {
	table, err := s.resolver.Resolve(ctx, s.page, selector.AccountTable)
	if err != nil {
		return "", err
	}
	fragment, err := s.page.ReadHTML(ctx, table)
	if err != nil {
		return "", err
	}
	rows, err := parseRows(fragment)
	if err != nil {
		return "", fmt.Errorf("parsing listing: %w", err)
	}
	if password, ok := findPassword(rows, username); ok {
		return password, nil
	}
	return "", errRowMissing
}

// Capture takes a screenshot of the current page for diagnostics.
func (s *Session) Capture(ctx context.Context) ([]byte, error) {
	return s.page.Screenshot(ctx)
}

// Close releases the page. It is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.closeErr = s.page.Close(ctx)
	})
	return s.closeErr
}
