package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taod/internal/approval"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// ruleSpec is the YAML shape of one governance rule.
type ruleSpec struct {
	ID               string `koanf:"id"`
	Priority         int    `koanf:"priority"`
	AutoApprove      bool   `koanf:"auto_approve"`
	RequiresApproval bool   `koanf:"requires_approval"`
	MatchType        string `koanf:"match_type"`
	MatchPattern     string `koanf:"match_pattern"`
}

type rulesFile struct {
	Rules []ruleSpec `koanf:"rules"`
}

// LoadRules parses governance rules from a YAML file.
//
// Each rule needs an id and at least one matcher. When both match_type and
// match_pattern are given the rule matches if either does, mirroring the
// "matches type or description" predicate contract.
func LoadRules(path string) ([]approval.Rule, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	var rf rulesFile
	if err := k.Unmarshal("", &rf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
	}

	rules := make([]approval.Rule, 0, len(rf.Rules))
	for i, spec := range rf.Rules {
		if spec.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if spec.MatchType == "" && spec.MatchPattern == "" {
			return nil, fmt.Errorf("rule %q: match_type or match_pattern required", spec.ID)
		}

		var predicates []approval.Predicate
		if spec.MatchType != "" {
			predicates = append(predicates, approval.MatchType(spec.MatchType))
		}
		if spec.MatchPattern != "" {
			p, err := approval.MatchPattern(spec.MatchPattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid match_pattern: %w", spec.ID, err)
			}
			predicates = append(predicates, p)
		}

		rules = append(rules, approval.Rule{
			ID:               spec.ID,
			Priority:         spec.Priority,
			AutoApprove:      spec.AutoApprove,
			RequiresApproval: spec.RequiresApproval,
			Match:            anyOf(predicates),
		})
	}
	return rules, nil
}

func anyOf(predicates []approval.Predicate) approval.Predicate {
	if len(predicates) == 1 {
		return predicates[0]
	}
	return func(a approval.ProposedAction) bool {
		for _, p := range predicates {
			if p(a) {
				return true
			}
		}
		return false
	}
}

// RuleWatcher reloads the governance rules file when it changes.
//
// Parse failures keep the last good rule set; the error is logged and the
// watcher keeps running.
type RuleWatcher struct {
	path    string
	apply   func([]approval.Rule)
	watcher *fsnotify.Watcher
	logger  *zap.Logger
	stop    chan struct{}
}

// NewRuleWatcher creates a watcher applying reloaded rule sets via apply.
func NewRuleWatcher(path string, apply func([]approval.Rule), logger *zap.Logger) (*RuleWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleWatcher{
		path:    path,
		apply:   apply,
		watcher: watcher,
		logger:  logger,
		stop:    make(chan struct{}),
	}, nil
}

// Start loads the rules once and begins watching for changes.
//
// The parent directory is watched rather than the file itself so editors
// that replace the file (write-rename) keep triggering reloads.
func (w *RuleWatcher) Start(ctx context.Context) error {
	rules, err := LoadRules(w.path)
	if err != nil {
		return err
	}
	w.apply(rules)
	w.logger.Info("governance rules loaded",
		zap.String("path", w.path),
		zap.Int("rules", len(rules)))

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching rules directory: %w", err)
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases resources.
func (w *RuleWatcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	_ = w.watcher.Close()
}

func (w *RuleWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			rules, err := LoadRules(w.path)
			if err != nil {
				w.logger.Warn("rules reload failed, keeping previous set",
					zap.String("path", w.path),
					zap.Error(err))
				continue
			}
			w.apply(rules)
			w.logger.Info("governance rules reloaded",
				zap.String("path", w.path),
				zap.Int("rules", len(rules)))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watcher error", zap.Error(err))
		}
	}
}
