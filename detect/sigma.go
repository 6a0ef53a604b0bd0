// Package detect evaluates Sigma rules against stored audit events. It is a
// reporting layer only: a match is recorded, never enforced, and detection
// failures do not affect classification or network flow.
package detect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"netaudit/event"
)

// Match is one rule hit for one event.
type Match struct {
	RuleID   string
	RuleName string
	Details  string
}

// Engine holds one evaluator per loaded rule. Rules live in a directory of
// .yml/.yaml files which is watched for changes.
type Engine struct {
	rulesDir string
	log      *zap.Logger
	watcher  *fsnotify.Watcher

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator
}

func fieldConfig() sigma.Config {
	return sigma.Config{
		Title: "netaudit network events",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":           {TargetNames: []string{"Image"}},
			"User":            {TargetNames: []string{"User"}},
			"Protocol":        {TargetNames: []string{"Protocol"}},
			"Action":          {TargetNames: []string{"Action"}},
			"SourceIp":        {TargetNames: []string{"SourceIp"}},
			"SourcePort":      {TargetNames: []string{"SourcePort"}},
			"DestinationIp":   {TargetNames: []string{"DestinationIp"}},
			"DestinationPort": {TargetNames: []string{"DestinationPort"}},
		},
	}
}

// NewEngine loads rules from rulesDir and watches it for changes.
func NewEngine(rulesDir string, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(rulesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create rules directory: %v", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	e := &Engine{
		rulesDir:   rulesDir,
		log:        log,
		watcher:    watcher,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
	}
	if err := e.loadRules(); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(rulesDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %v", rulesDir, err)
	}
	go e.watchRuleChanges()
	return e, nil
}

func (e *Engine) watchRuleChanges() {
	for {
		select {
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".yml") && !strings.HasSuffix(ev.Name, ".yaml") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := e.loadRules(); err != nil {
					e.log.Warn("rule reload failed", zap.Error(err))
				}
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.log.Warn("rule watcher error", zap.Error(err))
		}
	}
}

// loadRules replaces the evaluator set from the rules directory. A file that
// fails to parse is skipped with a warning; the rest still load.
func (e *Engine) loadRules() error {
	files, err := os.ReadDir(e.rulesDir)
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		ext := filepath.Ext(file.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(e.rulesDir, file.Name())

		content, err := os.ReadFile(path)
		if err != nil {
			e.log.Warn("failed to read rule file", zap.String("path", path), zap.Error(err))
			continue
		}
		if sigma.InferFileType(content) != sigma.RuleFile {
			continue
		}
		rule, err := sigma.ParseRule(content)
		if err != nil {
			e.log.Warn("failed to parse rule file", zap.String("path", path), zap.Error(err))
			continue
		}

		evaluators[rule.ID] = evaluator.ForRule(rule,
			evaluator.WithConfig(fieldConfig()),
			evaluator.WithPlaceholderExpander(func(ctx context.Context, name string) ([]string, error) {
				return nil, nil
			}))
		e.log.Info("loaded rule", zap.String("title", rule.Title), zap.String("id", rule.ID))
	}

	e.mu.Lock()
	e.evaluators = evaluators
	e.mu.Unlock()
	e.log.Info("sigma rules loaded", zap.Int("count", len(evaluators)))
	return nil
}

// Check evaluates every loaded rule against one audit record.
func (e *Engine) Check(ctx context.Context, rec *event.Record) []Match {
	fields := map[string]interface{}{
		"Image":      rec.ExePath,
		"User":       fmt.Sprintf("%d", rec.UID),
		"Protocol":   rec.Protocol.String(),
		"Action":     rec.Action.String(),
		"SourcePort": int(rec.SrcPort),
	}
	if rec.SrcIP != nil {
		fields["SourceIp"] = rec.SrcIP.String()
	}
	if rec.DstIP != nil {
		fields["DestinationIp"] = rec.DstIP.String()
	}
	fields["DestinationPort"] = int(rec.DstPort)

	e.mu.RLock()
	evaluators := e.evaluators
	e.mu.RUnlock()

	var matches []Match
	for _, ev := range evaluators {
		result, err := ev.Matches(ctx, fields)
		if err != nil {
			e.log.Warn("rule evaluation failed", zap.String("rule", ev.Rule.ID), zap.Error(err))
			continue
		}
		if !result.Match {
			continue
		}
		var conditions []string
		for k, v := range result.SearchResults {
			if v {
				conditions = append(conditions, k)
			}
		}
		matches = append(matches, Match{
			RuleID:   ev.Rule.ID,
			RuleName: ev.Rule.Title,
			Details:  fmt.Sprintf("matched conditions: %s", strings.Join(conditions, ", ")),
		})
	}
	return matches
}

// Close stops the rule watcher.
func (e *Engine) Close() error {
	return e.watcher.Close()
}
