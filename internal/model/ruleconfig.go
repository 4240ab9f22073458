package model

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// RuleConfig is the typed configuration carried by one rule. Each category
// maps to exactly one concrete config type; raw JSON is decoded and validated
// at the policy-write boundary so adapters only ever see typed configs.
type RuleConfig interface {
	Validate() error
}

// ToggleConfig is the config for pure on/off categories. The rule's Enabled
// flag carries all the signal; the config has no parameters.
type ToggleConfig struct{}

func (ToggleConfig) Validate() error { return nil }

// ContentRatingConfig caps content by a rating system ceiling.
type ContentRatingConfig struct {
	System    string `json:"system"`     // "mpaa", "tv", "esrb", "pegi"
	MaxRating string `json:"max_rating"` // e.g. "PG", "TV-Y7", "E10+"
}

var ratingSystems = map[string][]string{
	"mpaa": {"G", "PG", "PG-13", "R", "NC-17"},
	"tv":   {"TV-Y", "TV-Y7", "TV-G", "TV-PG", "TV-14", "TV-MA"},
	"esrb": {"E", "E10+", "T", "M", "AO"},
	"pegi": {"3", "7", "12", "16", "18"},
}

func (c ContentRatingConfig) Validate() error {
	ratings, ok := ratingSystems[c.System]
	if !ok {
		return eris.Errorf("unknown rating system %q", c.System)
	}
	for _, r := range ratings {
		if r == c.MaxRating {
			return nil
		}
	}
	return eris.Errorf("rating %q not valid for system %q", c.MaxRating, c.System)
}

// ListConfig carries an explicit list of items (blocked titles, domains,
// keywords, allowed contacts, and so on).
type ListConfig struct {
	Items []string `json:"items"`
}

func (c ListConfig) Validate() error {
	if len(c.Items) == 0 {
		return eris.New("list config requires at least one item")
	}
	for _, it := range c.Items {
		if strings.TrimSpace(it) == "" {
			return eris.New("list config items must be non-empty")
		}
	}
	return nil
}

// DailyLimitConfig caps total screen time per day.
type DailyLimitConfig struct {
	Minutes int `json:"minutes"`
}

func (c DailyLimitConfig) Validate() error {
	if c.Minutes < 1 || c.Minutes > 24*60 {
		return eris.Errorf("daily limit minutes %d out of range [1, 1440]", c.Minutes)
	}
	return nil
}

var clockRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// WindowConfig is a start/end wall-clock window (bedtime, quiet hours). The
// window may cross midnight.
type WindowConfig struct {
	Start string `json:"start"` // "HH:MM", 24h
	End   string `json:"end"`
}

func (c WindowConfig) Validate() error {
	if !clockRe.MatchString(c.Start) {
		return eris.Errorf("invalid window start %q", c.Start)
	}
	if !clockRe.MatchString(c.End) {
		return eris.Errorf("invalid window end %q", c.End)
	}
	if c.Start == c.End {
		return eris.New("window start and end must differ")
	}
	return nil
}

// ScheduleConfig holds allowed usage windows per weekday. Days absent from
// the map have no window restriction.
type ScheduleConfig struct {
	Days map[string][]WindowConfig `json:"days"` // "mon".."sun"
}

var weekdays = map[string]bool{
	"mon": true, "tue": true, "wed": true, "thu": true,
	"fri": true, "sat": true, "sun": true,
}

func (c ScheduleConfig) Validate() error {
	if len(c.Days) == 0 {
		return eris.New("schedule requires at least one day")
	}
	for day, windows := range c.Days {
		if !weekdays[day] {
			return eris.Errorf("unknown weekday %q", day)
		}
		if len(windows) == 0 {
			return eris.Errorf("day %q has no windows", day)
		}
		for _, w := range windows {
			if err := w.Validate(); err != nil {
				return eris.Wrapf(err, "day %q", day)
			}
		}
	}
	return nil
}

// AppLimitConfig caps per-app daily minutes.
type AppLimitConfig struct {
	Apps map[string]int `json:"apps"` // app identifier -> minutes per day
}

func (c AppLimitConfig) Validate() error {
	if len(c.Apps) == 0 {
		return eris.New("app limit requires at least one app")
	}
	for app, minutes := range c.Apps {
		if strings.TrimSpace(app) == "" {
			return eris.New("app identifier must be non-empty")
		}
		if minutes < 1 || minutes > 24*60 {
			return eris.Errorf("app %q minutes %d out of range [1, 1440]", app, minutes)
		}
	}
	return nil
}

// IntervalConfig is a recurring interval in minutes (break reminders,
// report cadence).
type IntervalConfig struct {
	Minutes int `json:"minutes"`
}

func (c IntervalConfig) Validate() error {
	if c.Minutes < 1 {
		return eris.Errorf("interval minutes %d must be positive", c.Minutes)
	}
	return nil
}

// SpendLimitConfig caps purchases per calendar month.
type SpendLimitConfig struct {
	MonthlyCents int    `json:"monthly_cents"`
	Currency     string `json:"currency"`
}

func (c SpendLimitConfig) Validate() error {
	if c.MonthlyCents < 0 {
		return eris.Errorf("monthly spend limit %d must be >= 0", c.MonthlyCents)
	}
	if len(c.Currency) != 3 {
		return eris.Errorf("currency %q must be a 3-letter code", c.Currency)
	}
	return nil
}

// VisibilityConfig restricts who may view the child's profile.
type VisibilityConfig struct {
	Visibility string `json:"visibility"` // "private", "friends", "public"
}

func (c VisibilityConfig) Validate() error {
	switch c.Visibility {
	case "private", "friends", "public":
		return nil
	default:
		return eris.Errorf("unknown visibility %q", c.Visibility)
	}
}

// RetentionConfig bounds how long a platform may retain the child's data.
type RetentionConfig struct {
	MaxDays int `json:"max_days"`
}

func (c RetentionConfig) Validate() error {
	if c.MaxDays < 1 {
		return eris.Errorf("retention max days %d must be positive", c.MaxDays)
	}
	return nil
}

// configFactories maps each category to the concrete config type it carries.
// Categories not present default to ToggleConfig.
var configFactories = map[RuleCategory]func() RuleConfig{
	CategoryContentRating:         func() RuleConfig { return &ContentRatingConfig{} },
	CategoryContentTitles:         func() RuleConfig { return &ListConfig{} },
	CategoryContentGenres:         func() RuleConfig { return &ListConfig{} },
	CategoryContentChannels:       func() RuleConfig { return &ListConfig{} },
	CategoryTimeDailyLimit:        func() RuleConfig { return &DailyLimitConfig{} },
	CategoryTimeBedtime:           func() RuleConfig { return &WindowConfig{} },
	CategoryTimeSchedule:          func() RuleConfig { return &ScheduleConfig{} },
	CategoryTimeAppLimit:          func() RuleConfig { return &AppLimitConfig{} },
	CategoryTimeBreakReminder:     func() RuleConfig { return &IntervalConfig{} },
	CategoryPurchaseSpendLimit:    func() RuleConfig { return &SpendLimitConfig{} },
	CategorySocialAllowlist:       func() RuleConfig { return &ListConfig{} },
	CategoryWebBlockCategories:    func() RuleConfig { return &ListConfig{} },
	CategoryWebBlockDomains:       func() RuleConfig { return &ListConfig{} },
	CategoryWebAllowDomains:       func() RuleConfig { return &ListConfig{} },
	CategoryPrivacyProfile:        func() RuleConfig { return &VisibilityConfig{} },
	CategoryMonitorActivityReport: func() RuleConfig { return &IntervalConfig{} },
	CategoryMonitorAlertKeywords:  func() RuleConfig { return &ListConfig{} },
	CategoryNotifyQuietHours:      func() RuleConfig { return &WindowConfig{} },
	CategoryDataRetention:         func() RuleConfig { return &RetentionConfig{} },
}

// DecodeRuleConfig decodes a rule's raw JSON config into the typed config for
// its category. Unknown JSON fields are rejected so that typos in category
// payloads fail at write time rather than silently dropping settings.
func DecodeRuleConfig(category RuleCategory, raw []byte) (RuleConfig, error) {
	if !ValidCategory(category) {
		return nil, eris.Errorf("unknown rule category %q", category)
	}

	factory, ok := configFactories[category]
	if !ok {
		factory = func() RuleConfig { return &ToggleConfig{} }
	}
	cfg := factory()

	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, eris.Wrapf(err, "decode config for %s", category)
		}
	}
	return cfg, nil
}
