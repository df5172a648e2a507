package rules

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/yinz628/email-filter-sub004/internal/expr"
)

// FolderSource loads rules from every yaml/json/toml document under a
// directory. Each document carries a top-level rules list. Broken or
// duplicate definitions never fail a refresh; they are dropped and recorded
// as Skips so health surfaces can explain exactly what is missing.
type FolderSource struct {
	dir    string
	env    *expr.Environment
	logger *slog.Logger

	mu      sync.RWMutex
	byScope map[string][]Rule
	skips   []Skip
}

type ruleDocument struct {
	Rules []Rule `koanf:"rules"`
}

// NewFolderSource validates the directory and performs the initial load.
// IO failures are errors; malformed rule definitions are Skips.
func NewFolderSource(ctx context.Context, dir string, env *expr.Environment, logger *slog.Logger) (*FolderSource, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("rules: folder path required")
	}
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("rules: folder %s: %w", dir, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("rules: folder %s is not a directory", dir)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &FolderSource{
		dir:     dir,
		env:     env,
		logger:  logger.With(slog.String("rules_source", "folder")),
		byScope: make(map[string][]Rule),
	}
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the watched directory root.
func (s *FolderSource) Dir() string { return s.dir }

// Refresh re-reads every document under the folder and atomically swaps the
// rule table. The previous table stays in place when the refresh fails.
func (s *FolderSource) Refresh(ctx context.Context) error {
	files, err := collectRuleFiles(ctx, s.dir)
	if err != nil {
		return err
	}

	agg := newRuleAggregator()
	for _, path := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		doc, err := loadRuleDocument(path)
		if err != nil {
			return err
		}
		for i := range doc.Rules {
			agg.add(doc.Rules[i], path, s.env)
		}
	}
	byScope, skips := agg.bundle()

	s.mu.Lock()
	s.byScope = byScope
	s.skips = skips
	s.mu.Unlock()

	total := 0
	for _, rules := range byScope {
		total += len(rules)
	}
	s.logger.Debug("rules refreshed",
		slog.Int("files", len(files)),
		slog.Int("rules", total),
		slog.Int("skipped", len(skips)))
	for _, skip := range skips {
		s.logger.Warn("rule definition skipped",
			slog.String("scope", skip.Scope),
			slog.String("rule", skip.RuleID),
			slog.String("reason", skip.Reason))
	}
	return nil
}

// Load returns the evaluation-ordered rules for scope.
func (s *FolderSource) Load(_ context.Context, scope string) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if scope == "" {
		return merged(s.byScope[""], nil), nil
	}
	return merged(s.byScope[""], s.byScope[scope]), nil
}

// Skips reports the definitions rejected by the most recent refresh.
func (s *FolderSource) Skips() []Skip {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.skips)
}

type scopedID struct {
	scope string
	id    string
}

// ruleAggregator merges rule definitions across documents. A rule id defined
// twice within a scope is ambiguous, so every copy is dropped and the skip
// record lists all contributing files.
type ruleAggregator struct {
	rules   map[scopedID]Rule
	sources map[scopedID]string
	skips   map[scopedID]*Skip
}

func newRuleAggregator() *ruleAggregator {
	return &ruleAggregator{
		rules:   make(map[scopedID]Rule),
		sources: make(map[scopedID]string),
		skips:   make(map[scopedID]*Skip),
	}
}

func (a *ruleAggregator) add(rule Rule, source string, env *expr.Environment) {
	key := scopedID{scope: rule.Scope, id: rule.ID}
	if existing, ok := a.skips[key]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if err := rule.Compile(env); err != nil {
		a.recordSkip(key, fmt.Sprintf("invalid definition: %v", err), source)
		return
	}
	if prev, ok := a.sources[key]; ok {
		a.recordSkip(key, "duplicate definition", prev, source)
		delete(a.sources, key)
		delete(a.rules, key)
		return
	}
	a.sources[key] = source
	a.rules[key] = rule
}

func (a *ruleAggregator) recordSkip(key scopedID, reason string, sources ...string) {
	skip, ok := a.skips[key]
	if !ok {
		skip = &Skip{Scope: key.scope, RuleID: key.id, Reason: reason, Sources: []string{}}
		a.skips[key] = skip
	}
	if skip.Reason == "" {
		skip.Reason = reason
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
}

func (a *ruleAggregator) bundle() (map[string][]Rule, []Skip) {
	byScope := make(map[string][]Rule)
	for key, rule := range a.rules {
		byScope[key.scope] = append(byScope[key.scope], rule)
	}
	for scope := range byScope {
		sortRules(byScope[scope])
	}
	skips := make([]Skip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skips = append(skips, *skip)
	}
	sort.Slice(skips, func(i, j int) bool {
		if skips[i].Scope == skips[j].Scope {
			return skips[i].RuleID < skips[j].RuleID
		}
		return skips[i].Scope < skips[j].Scope
	})
	return byScope, skips
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func collectRuleFiles(ctx context.Context, dir string) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedRuleFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rules: walk folder %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

func loadRuleDocument(path string) (ruleDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return ruleDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return ruleDocument{}, fmt.Errorf("rules: load %s: %w", path, err)
	}
	var doc ruleDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return ruleDocument{}, fmt.Errorf("rules: decode %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("rules: unsupported file extension %s", ext)
	}
}

func isSupportedRuleFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}
