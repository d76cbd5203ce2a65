package policy

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RuleSourceDocument is the on-disk YAML shape for the built-in rule
// configuration plus any operator-authored declarative CEL rules. It is
// intentionally flat per domain rather than a generic rule-type registry,
// mirroring how the sealed-variant Rule set is fixed and only the
// declarative tail is open-ended.
type RuleSourceDocument struct {
	Version string `yaml:"version"`

	Temporal struct {
		WeekendBan *struct {
			Tools []string `yaml:"tools"`
		} `yaml:"weekend_ban"`
		BusinessHours *struct {
			Tools     []string `yaml:"tools"`
			StartHour int      `yaml:"start_hour"`
			EndHour   int      `yaml:"end_hour"`
		} `yaml:"business_hours"`
		DailyQuota *struct {
			Tools []string `yaml:"tools"`
			Max   int      `yaml:"max"`
		} `yaml:"daily_quota"`
	} `yaml:"temporal"`

	Compensation struct {
		Bands *struct {
			Tools []string `yaml:"tools"`
			Bands map[string]Band `yaml:"bands"`
		} `yaml:"bands"`
	} `yaml:"compensation"`

	Communication struct {
		PIIRedaction *struct {
			Tools     []string `yaml:"tools"`
			TextField string   `yaml:"text_field"`
		} `yaml:"pii_redaction"`
		InclusiveLanguage *struct {
			Tools     []string `yaml:"tools"`
			TextField string   `yaml:"text_field"`
			Denylist  []string `yaml:"denylist"`
		} `yaml:"inclusive_language"`
	} `yaml:"communication"`

	Expense struct {
		Threshold *struct {
			Tools []string `yaml:"tools"`
			Max   float64  `yaml:"max"`
		} `yaml:"threshold"`
		ReceiptRequired *struct {
			Tools []string `yaml:"tools"`
			Floor float64  `yaml:"floor"`
		} `yaml:"receipt_required"`
		SelfApprovalBan *struct {
			Tools []string `yaml:"tools"`
		} `yaml:"self_approval_ban"`
		CategoryCap *struct {
			Tools []string           `yaml:"tools"`
			Caps  map[string]float64 `yaml:"caps"`
		} `yaml:"category_cap"`
	} `yaml:"expense"`

	Identity struct {
		RightToWork *struct {
			Tools []string `yaml:"tools"`
		} `yaml:"right_to_work"`
	} `yaml:"identity"`

	Privacy struct {
		MinimumNecessary *struct {
			Tools            []string            `yaml:"tools"`
			AllowedByPurpose map[string][]string `yaml:"allowed_by_purpose"`
		} `yaml:"minimum_necessary"`
		RetentionLimit *struct {
			Tools  []string `yaml:"tools"`
			MaxAge string   `yaml:"max_age"`
		} `yaml:"retention_limit"`
		CrossBorderTransfer *struct {
			Tools          []string `yaml:"tools"`
			AllowedRegions []string `yaml:"allowed_regions"`
		} `yaml:"cross_border_transfer"`
	} `yaml:"privacy"`

	Operational struct {
		ChangeWindow *struct {
			Tools     []string `yaml:"tools"`
			StartHour int      `yaml:"start_hour"`
			EndHour   int      `yaml:"end_hour"`
			Weekdays  []string `yaml:"weekdays"`
		} `yaml:"change_window"`
		SLAThreshold *struct {
			Tools  []string `yaml:"tools"`
			MaxSLA string   `yaml:"max_sla"`
		} `yaml:"sla_threshold"`
	} `yaml:"operational"`

	Declarative []struct {
		ID         string `yaml:"id"`
		Domain     string `yaml:"domain"`
		Expression string `yaml:"expression"`
		Outcome    string `yaml:"outcome"`
		Reason     string `yaml:"reason"`
	} `yaml:"declarative"`
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// ParseRuleSource parses a RuleSourceDocument from YAML bytes.
func ParseRuleSource(data []byte) (RuleSourceDocument, error) {
	var doc RuleSourceDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return RuleSourceDocument{}, fmt.Errorf("parse rule source: %w", err)
	}
	return doc, nil
}

// BuildRules compiles a RuleSourceDocument into a concrete Rule slice. Any
// invalid declarative CEL expression or unparseable duration fails the
// entire build so the caller can leave the previous rule set in place
// rather than applying a partial reload.
func BuildRules(doc RuleSourceDocument, celEval *CELEvaluator) ([]Rule, error) {
	var rules []Rule

	t := doc.Temporal
	if t.WeekendBan != nil {
		rules = append(rules, &WeekendBanRule{Tools: t.WeekendBan.Tools})
	}
	if t.BusinessHours != nil {
		rules = append(rules, &BusinessHoursRule{Tools: t.BusinessHours.Tools, StartHour: t.BusinessHours.StartHour, EndHour: t.BusinessHours.EndHour})
	}
	if t.DailyQuota != nil {
		rules = append(rules, &DailyQuotaRule{Tools: t.DailyQuota.Tools, Max: t.DailyQuota.Max})
	}

	if doc.Compensation.Bands != nil {
		rules = append(rules, &CompensationBandsRule{Tools: doc.Compensation.Bands.Tools, Bands: doc.Compensation.Bands.Bands})
	}

	c := doc.Communication
	if c.PIIRedaction != nil {
		rules = append(rules, NewPIIRedactionRule(c.PIIRedaction.Tools, c.PIIRedaction.TextField))
	}
	if c.InclusiveLanguage != nil {
		rules = append(rules, NewInclusiveLanguageRule(c.InclusiveLanguage.Tools, c.InclusiveLanguage.TextField, c.InclusiveLanguage.Denylist))
	}

	e := doc.Expense
	if e.Threshold != nil {
		rules = append(rules, NewExpenseThresholdRule(e.Threshold.Tools, e.Threshold.Max))
	}
	if e.ReceiptRequired != nil {
		rules = append(rules, NewReceiptRequiredRule(e.ReceiptRequired.Tools, e.ReceiptRequired.Floor))
	}
	if e.SelfApprovalBan != nil {
		rules = append(rules, NewSelfApprovalBanRule(e.SelfApprovalBan.Tools))
	}
	if e.CategoryCap != nil {
		rules = append(rules, NewCategoryCapRule(e.CategoryCap.Tools, e.CategoryCap.Caps))
	}

	if doc.Identity.RightToWork != nil {
		rules = append(rules, NewRightToWorkRule(doc.Identity.RightToWork.Tools))
	}

	p := doc.Privacy
	if p.MinimumNecessary != nil {
		rules = append(rules, NewMinimumNecessaryRule(p.MinimumNecessary.Tools, p.MinimumNecessary.AllowedByPurpose))
	}
	if p.RetentionLimit != nil {
		age, err := time.ParseDuration(p.RetentionLimit.MaxAge)
		if err != nil {
			return nil, fmt.Errorf("privacy.retention_limit.max_age: %w", err)
		}
		rules = append(rules, NewRetentionLimitRule(p.RetentionLimit.Tools, age))
	}
	if p.CrossBorderTransfer != nil {
		rules = append(rules, NewCrossBorderTransferRule(p.CrossBorderTransfer.Tools, p.CrossBorderTransfer.AllowedRegions))
	}

	o := doc.Operational
	if o.ChangeWindow != nil {
		var days []time.Weekday
		for _, name := range o.ChangeWindow.Weekdays {
			d, ok := weekdayNames[name]
			if !ok {
				return nil, fmt.Errorf("operational.change_window.weekdays: unknown weekday %q", name)
			}
			days = append(days, d)
		}
		rules = append(rules, NewChangeWindowRule(o.ChangeWindow.Tools, o.ChangeWindow.StartHour, o.ChangeWindow.EndHour, days))
	}
	if o.SLAThreshold != nil {
		maxSLA, err := time.ParseDuration(o.SLAThreshold.MaxSLA)
		if err != nil {
			return nil, fmt.Errorf("operational.sla_threshold.max_sla: %w", err)
		}
		rules = append(rules, NewSLAThresholdRule(o.SLAThreshold.Tools, maxSLA))
	}

	for _, decl := range doc.Declarative {
		if decl.ID == "" {
			return nil, fmt.Errorf("declarative rule missing id")
		}
		prg, err := celEval.Compile(decl.Expression)
		if err != nil {
			return nil, fmt.Errorf("declarative rule %q: %w", decl.ID, err)
		}
		outcome := DeclareDeny
		if decl.Outcome == string(DeclareWarn) {
			outcome = DeclareWarn
		}
		rules = append(rules, NewDeclarativeRule(decl.ID, Domain(decl.Domain), decl.Expression, prg, outcome, decl.Reason))
	}

	return rules, nil
}

// Loader owns the CEL evaluator and an optional fsnotify watcher on a
// rule-source file, applying successful parses to an Engine via Reload
// and leaving the previous rule set untouched on any compile or parse
// failure.
type Loader struct {
	celEval *CELEvaluator
	engine  *Engine
	logger  *slog.Logger

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

func NewLoader(celEval *CELEvaluator, engine *Engine, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{celEval: celEval, engine: engine, logger: logger.With("component", "policy.Loader")}
}

// LoadAndApply reads, parses, and compiles path, then reloads the engine
// only if every step succeeds. On failure the engine's current rule set
// remains active.
func (l *Loader) LoadAndApply(path string, readFile func(string) ([]byte, error)) error {
	data, err := readFile(path)
	if err != nil {
		return fmt.Errorf("read rule source %s: %w", path, err)
	}
	doc, err := ParseRuleSource(data)
	if err != nil {
		l.logger.Error("rule source parse failed, keeping previous rule set", "path", path, "error", err)
		return err
	}
	rules, err := BuildRules(doc, l.celEval)
	if err != nil {
		l.logger.Error("rule source compile failed, keeping previous rule set", "path", path, "error", err)
		return err
	}
	l.engine.Reload(rules, doc.Version)
	l.logger.Info("rule source applied", "path", path, "version", doc.Version, "rule_count", len(rules))
	return nil
}

// WatchConfig watches path's containing directory for changes, reacting
// only to events on the target file itself (directory watch catches
// editor rename-and-replace patterns that a direct file watch misses).
func (l *Loader) WatchConfig(path string, readFile func(string) ([]byte, error)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		l.stopWatchLocked()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve rule source path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})
	go l.watchLoop(absPath, readFile)

	l.logger.Info("watching rule source for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(targetPath string, readFile func(string) ([]byte, error)) {
	defer close(l.watchDone)
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				l.logger.Info("rule source changed, triggering reload", "path", targetPath)
				_ = l.LoadAndApply(targetPath, readFile)
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		if l.watchDone != nil {
			<-l.watchDone
		}
		l.watcher = nil
		l.watchDone = nil
	}
}
