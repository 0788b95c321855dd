// Package fake provides a scriptable in-memory portal that satisfies harvest.Session.
package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
)

// OptionSpec is one entry of a fake select control.
type OptionSpec struct {
	Value string
	Text  string
}

// Selection is the form state at the moment the submit control was clicked.
type Selection struct {
	// Values maps control selector to selected option value.
	Values map[string]string
	// Texts maps control selector to selected option text.
	Texts map[string]string
	// Clicked lists non-submit controls clicked since the last submit.
	Clicked []string
	// Submit is the 1-based submit count for the session.
	Submit int
}

// Response is what the portal renders for a submit.
type Response struct {
	// HTML is the results document. Empty means the results never render.
	HTML string
	// Alert, when set, opens a dialog instead of rendering results.
	Alert string
	// Pending leaves the form for a results page that never renders.
	Pending bool
}

// Session is a fake portal. Form controls are always present unless Stateful is
// set, in which case they disappear after a successful submit until GoBack.
type Session struct {
	Controls   map[string][]OptionSpec
	Clickables []string
	Submit     string
	Ready      string
	Stateful   bool
	Respond    func(Selection) Response
	// Fault, when set, is consulted before every call; a non-nil error is returned as is.
	Fault func(method string) error

	mu         sync.Mutex
	calls      map[string]int
	selected   map[string]int
	clicked    []string
	submits    int
	onResults  bool
	html       string
	alert      *harvest.Alert
	generation uint64
	closed     bool
}

// New returns a fake portal with the given controls and submit/ready selectors.
func New(controls map[string][]OptionSpec, submit, ready string, respond func(Selection) Response) *Session {
	return &Session{
		Controls: controls,
		Submit:   submit,
		Ready:    ready,
		Respond:  respond,
	}
}

// Calls returns how many times method was invoked.
func (s *Session) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Submits returns the number of submit clicks received.
func (s *Session) Submits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

// OpenAlert opens a dialog as if the page had raised it.
func (s *Session) OpenAlert(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alert = &harvest.Alert{Text: text, Type: "alert"}
}

func (s *Session) enter(method string) error {
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	if s.selected == nil {
		s.selected = make(map[string]int)
	}
	s.calls[method]++
	if s.closed {
		return fmt.Errorf("%s: %w: session closed", method, harvest.ErrSessionFault)
	}
	if s.Fault != nil {
		if err := s.Fault(method); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) blocked(method string) error {
	if s.alert != nil {
		return fmt.Errorf("%s: %w: %q", method, harvest.ErrAlertInterruption, s.alert.Text)
	}
	return nil
}

func (s *Session) formVisible() bool {
	return !s.Stateful || !s.onResults
}

func (s *Session) exists(selector string) bool {
	if selector == s.Ready && s.Ready != "" {
		return s.html != ""
	}
	if !s.formVisible() {
		return false
	}
	if _, ok := s.Controls[selector]; ok {
		return true
	}
	if selector == s.Submit {
		return true
	}
	for _, c := range s.Clickables {
		if c == selector {
			return true
		}
	}
	return false
}

func (s *Session) checkRef(ref harvest.ElementRef) error {
	if ref.Generation != s.generation || !s.exists(ref.Selector) {
		return fmt.Errorf("%w: %s", harvest.ErrStaleReference, ref.Selector)
	}
	return nil
}

// Navigate resets the portal to its form page.
func (s *Session) Navigate(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Navigate"); err != nil {
		return err
	}
	s.onResults = false
	s.html = ""
	s.generation++
	return nil
}

// Find locates a control, submit button, clickable or the ready marker.
func (s *Session) Find(_ context.Context, selector string) (harvest.ElementRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Find"); err != nil {
		return harvest.ElementRef{}, err
	}
	if err := s.blocked("find"); err != nil {
		return harvest.ElementRef{}, err
	}
	if !s.exists(selector) {
		return harvest.ElementRef{}, fmt.Errorf("%w: %s", harvest.ErrControlNotFound, selector)
	}
	return harvest.ElementRef{Selector: selector, Generation: s.generation}, nil
}

// SelectOption selects an option on a fake control.
func (s *Session) SelectOption(_ context.Context, ref harvest.ElementRef, opt harvest.Option) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SelectOption"); err != nil {
		return "", err
	}
	if err := s.blocked("select option"); err != nil {
		return "", err
	}
	if err := s.checkRef(ref); err != nil {
		return "", err
	}
	options := s.Controls[ref.Selector]
	idx := -1
	switch opt.By {
	case harvest.SelectByIndex:
		idx = opt.Index
	case harvest.SelectByText:
		for i, o := range options {
			if o.Text == opt.Value {
				idx = i
				break
			}
		}
	case harvest.SelectByValue:
		for i, o := range options {
			if o.Value == opt.Value {
				idx = i
				break
			}
		}
	}
	if idx < 0 || idx >= len(options) {
		return "", fmt.Errorf("%w: option %s=%q index %d in %s", harvest.ErrControlNotFound, opt.By, opt.Value, opt.Index, ref.Selector)
	}
	s.selected[ref.Selector] = idx
	return options[idx].Text, nil
}

// Click presses a clickable control or submits the form.
func (s *Session) Click(_ context.Context, ref harvest.ElementRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Click"); err != nil {
		return err
	}
	if err := s.blocked("click"); err != nil {
		return err
	}
	if err := s.checkRef(ref); err != nil {
		return err
	}
	if ref.Selector != s.Submit {
		s.clicked = append(s.clicked, ref.Selector)
		return nil
	}

	s.submits++
	sel := Selection{
		Values:  make(map[string]string, len(s.selected)),
		Texts:   make(map[string]string, len(s.selected)),
		Clicked: append([]string(nil), s.clicked...),
		Submit:  s.submits,
	}
	for selector, idx := range s.selected {
		opt := s.Controls[selector][idx]
		sel.Values[selector] = opt.Value
		sel.Texts[selector] = opt.Text
	}
	s.clicked = nil

	var resp Response
	if s.Respond != nil {
		resp = s.Respond(sel)
	}
	if resp.Alert != "" {
		s.alert = &harvest.Alert{Text: resp.Alert, Type: "alert"}
		s.html = ""
		return nil
	}
	s.html = resp.HTML
	if resp.HTML != "" || resp.Pending {
		s.onResults = true
		s.generation++
	}
	return nil
}

// ReadText returns the selected option text of a control.
func (s *Session) ReadText(_ context.Context, ref harvest.ElementRef) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ReadText"); err != nil {
		return "", err
	}
	if err := s.blocked("read text"); err != nil {
		return "", err
	}
	if err := s.checkRef(ref); err != nil {
		return "", err
	}
	options := s.Controls[ref.Selector]
	if idx, ok := s.selected[ref.Selector]; ok && idx < len(options) {
		return options[idx].Text, nil
	}
	return "", nil
}

// OptionCount returns the number of options of a control.
func (s *Session) OptionCount(_ context.Context, ref harvest.ElementRef) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("OptionCount"); err != nil {
		return 0, err
	}
	if err := s.checkRef(ref); err != nil {
		return 0, err
	}
	return len(s.Controls[ref.Selector]), nil
}

// PageHTML returns the rendered results or a minimal form document.
func (s *Session) PageHTML(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("PageHTML"); err != nil {
		return "", err
	}
	if err := s.blocked("page html"); err != nil {
		return "", err
	}
	if s.html != "" {
		return s.html, nil
	}
	var b strings.Builder
	b.WriteString("<html><body><form>")
	for selector := range s.Controls {
		fmt.Fprintf(&b, "<select data-selector=%q></select>", selector)
	}
	b.WriteString("</form></body></html>")
	return b.String(), nil
}

// GoBack returns to the form page.
func (s *Session) GoBack(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GoBack"); err != nil {
		return err
	}
	if err := s.blocked("go back"); err != nil {
		return err
	}
	s.onResults = false
	s.html = ""
	s.generation++
	return nil
}

// CurrentAlert reports the open dialog, if any.
func (s *Session) CurrentAlert(_ context.Context) (*harvest.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CurrentAlert"); err != nil {
		return nil, err
	}
	if s.alert == nil {
		return nil, nil
	}
	alert := *s.alert
	return &alert, nil
}

// DismissAlert closes the open dialog.
func (s *Session) DismissAlert(_ context.Context, _ harvest.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DismissAlert"); err != nil {
		return err
	}
	s.alert = nil
	return nil
}

// Close marks the session unusable.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ harvest.Session = (*Session)(nil)
