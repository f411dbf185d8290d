package worker

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/playwright-community/playwright-go"
)

// ActReport is the outcome of one act instruction.
type ActReport struct {
	Completed bool
	StepsRun  int
	Remaining []string
	Message   string
}

type actionKind string

const (
	actionClick  actionKind = "click"
	actionFill   actionKind = "fill"
	actionPress  actionKind = "press"
	actionScroll actionKind = "scroll"
	actionSearch actionKind = "search"
)

// action is one primitive browser interaction parsed from an instruction.
type action struct {
	Kind   actionKind
	Target string
	Value  string
}

func (a action) String() string {
	switch a.Kind {
	case actionFill:
		return fmt.Sprintf("type %q into %s", a.Value, a.Target)
	case actionPress:
		return fmt.Sprintf("press %s", a.Value)
	case actionScroll:
		return fmt.Sprintf("scroll %s", a.Value)
	case actionSearch:
		return fmt.Sprintf("search for %q", a.Value)
	default:
		return fmt.Sprintf("click %s", a.Target)
	}
}

var (
	stepSplitRe = regexp.MustCompile(`(?i)\s*(?:\d+[.)]\s+|;\s*|,?\s+and then\s+|,?\s+then\s+|\n+)`)
	fillRe      = regexp.MustCompile(`(?i)^(?:type|enter|fill in|fill|input|write)\s+(?:"([^"]+)"|'([^']+)'|(.+?))\s+(?:in|into|on)\s+(?:the\s+)?(.+?)(?:\s+(?:field|box|input|bar|area))?$`)
	pressRe     = regexp.MustCompile(`(?i)^(?:press|hit)\s+(?:the\s+)?(enter|return|tab|escape|esc|space|spacebar|backspace|delete|home|end|pageup|pagedown|arrowup|arrowdown|arrowleft|arrowright)(?:\s+key)?$`)
	scrollRe    = regexp.MustCompile(`(?i)^scroll\s+(down|up)(?:\s.*)?$`)
	searchRe    = regexp.MustCompile(`(?i)^search\s+for\s+(?:"([^"]+)"|'([^']+)'|(.+))$`)
	clickRe     = regexp.MustCompile(`(?i)^(?:click|tap|select|choose|press)\s+(?:on\s+)?(?:the\s+)?(.+?)(?:\s+(?:button|link|tab|option|icon|element))?$`)
)

// parseInstruction breaks a natural-language instruction into primitive
// actions. Multi-step phrasing ("do X, then Y", numbered lists) produces one
// action per step.
func parseInstruction(instruction string) []action {
	var actions []action
	for _, step := range stepSplitRe.Split(strings.TrimSpace(instruction), -1) {
		step = strings.TrimSpace(strings.TrimSuffix(step, "."))
		if step == "" {
			continue
		}
		actions = append(actions, parseStep(step))
	}
	return actions
}

func parseStep(step string) action {
	if m := pressRe.FindStringSubmatch(step); m != nil {
		return action{Kind: actionPress, Value: normalizeKey(m[1])}
	}
	if m := scrollRe.FindStringSubmatch(step); m != nil {
		return action{Kind: actionScroll, Value: strings.ToLower(m[1])}
	}
	if m := searchRe.FindStringSubmatch(step); m != nil {
		return action{Kind: actionSearch, Value: firstGroup(m[1:])}
	}
	if m := fillRe.FindStringSubmatch(step); m != nil {
		return action{Kind: actionFill, Value: firstGroup(m[1:4]), Target: strings.TrimSpace(m[4])}
	}
	if m := clickRe.FindStringSubmatch(step); m != nil {
		return action{Kind: actionClick, Target: strings.Trim(strings.TrimSpace(m[1]), `"'`)}
	}
	// Unrecognized phrasing: treat the whole step as a click target.
	return action{Kind: actionClick, Target: step}
}

func firstGroup(groups []string) string {
	for _, g := range groups {
		if g != "" {
			return strings.TrimSpace(g)
		}
	}
	return ""
}

func normalizeKey(key string) string {
	switch strings.ToLower(key) {
	case "enter", "return":
		return "Enter"
	case "tab":
		return "Tab"
	case "escape", "esc":
		return "Escape"
	case "space", "spacebar":
		return " "
	case "arrowup":
		return "ArrowUp"
	case "arrowdown":
		return "ArrowDown"
	case "arrowleft":
		return "ArrowLeft"
	case "arrowright":
		return "ArrowRight"
	case "pageup":
		return "PageUp"
	case "pagedown":
		return "PageDown"
	default:
		k := strings.ToLower(key)
		return strings.ToUpper(k[:1]) + k[1:]
	}
}

// Act parses the instruction and runs up to maxSteps of it. Leftover steps
// are reported so the caller knows the work is unfinished.
func (c *Controller) Act(instruction string, maxSteps int) (*ActReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireBrowserLocked(); err != nil {
		return nil, err
	}
	if maxSteps <= 0 {
		maxSteps = 3
	}

	actions := parseInstruction(instruction)
	if len(actions) == 0 {
		return nil, fmt.Errorf("nothing to do in instruction %q", instruction)
	}

	report := &ActReport{}
	for i, act := range actions {
		if i >= maxSteps {
			for _, rest := range actions[i:] {
				report.Remaining = append(report.Remaining, rest.String())
			}
			break
		}
		if err := c.runAction(act); err != nil {
			report.Message = fmt.Sprintf("step %d (%s) failed: %v", i+1, act, err)
			return report, fmt.Errorf("%s", report.Message)
		}
		report.StepsRun++
		// Give navigations triggered by the step a chance to settle.
		_ = c.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State: playwright.LoadStateDomcontentloaded,
		})
	}

	report.Completed = len(report.Remaining) == 0
	if report.Completed {
		report.Message = fmt.Sprintf("Completed %d step(s)", report.StepsRun)
	} else {
		report.Message = fmt.Sprintf("Completed %d step(s), %d remaining", report.StepsRun, len(report.Remaining))
	}
	return report, nil
}

func (c *Controller) runAction(act action) error {
	switch act.Kind {
	case actionPress:
		return c.page.Keyboard().Press(act.Value)
	case actionScroll:
		delta := 600.0
		if act.Value == "up" {
			delta = -600.0
		}
		return c.page.Mouse().Wheel(0, delta)
	case actionSearch:
		box, err := c.findFillable("search")
		if err != nil {
			return fmt.Errorf("no search box found: %w", err)
		}
		if err := box.Fill(act.Value); err != nil {
			return fmt.Errorf("fill search box: %w", err)
		}
		return box.Press("Enter")
	case actionFill:
		target, err := c.findFillable(act.Target)
		if err != nil {
			return fmt.Errorf("no input matching %q: %w", act.Target, err)
		}
		return target.Fill(act.Value)
	default:
		target, err := c.findClickable(act.Target)
		if err != nil {
			return fmt.Errorf("no element matching %q: %w", act.Target, err)
		}
		return target.Click()
	}
}

// findClickable resolves an element description to a locator, preferring
// accessible roles over raw text matches.
func (c *Controller) findClickable(description string) (playwright.Locator, error) {
	for _, role := range []playwright.AriaRole{
		*playwright.AriaRoleButton, *playwright.AriaRoleLink, *playwright.AriaRoleTab,
		*playwright.AriaRoleCheckbox, *playwright.AriaRoleMenuitem, *playwright.AriaRoleOption,
	} {
		loc := c.page.GetByRole(role, playwright.PageGetByRoleOptions{Name: description})
		if n, err := loc.Count(); err == nil && n > 0 {
			return loc.First(), nil
		}
	}
	loc := c.page.GetByText(description, playwright.PageGetByTextOptions{Exact: playwright.Bool(false)})
	if n, err := loc.Count(); err == nil && n > 0 {
		return loc.First(), nil
	}
	return nil, fmt.Errorf("element not visible on page")
}

// findFillable resolves an input description by placeholder, label, role,
// then generic inputs.
func (c *Controller) findFillable(description string) (playwright.Locator, error) {
	loc := c.page.GetByPlaceholder(description, playwright.PageGetByPlaceholderOptions{Exact: playwright.Bool(false)})
	if n, err := loc.Count(); err == nil && n > 0 {
		return loc.First(), nil
	}
	loc = c.page.GetByLabel(description, playwright.PageGetByLabelOptions{Exact: playwright.Bool(false)})
	if n, err := loc.Count(); err == nil && n > 0 {
		return loc.First(), nil
	}
	for _, role := range []playwright.AriaRole{*playwright.AriaRoleSearchbox, *playwright.AriaRoleTextbox} {
		loc = c.page.GetByRole(role, playwright.PageGetByRoleOptions{Name: description})
		if n, err := loc.Count(); err == nil && n > 0 {
			return loc.First(), nil
		}
	}
	loc = c.page.Locator(`input:not([type=hidden]), textarea`)
	if n, err := loc.Count(); err == nil && n > 0 {
		return loc.First(), nil
	}
	return nil, fmt.Errorf("no input element on page")
}
