package rules

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader loads classification rule files from a directory and keeps an
// immutable snapshot current, optionally hot-reloading on file changes.
type Loader struct {
	rulesDir   string
	hotReload  bool
	debounceMs int
	logger     *slog.Logger

	mu       sync.RWMutex
	snapshot *Snapshot
	watcher  *fsnotify.Watcher
	stopped  chan struct{}
}

// NewLoader creates a rule loader for the given directory.
func NewLoader(rulesDir string, hotReload bool, debounceMs int, logger *slog.Logger) *Loader {
	return &Loader{
		rulesDir:   rulesDir,
		hotReload:  hotReload,
		debounceMs: debounceMs,
		logger:     logger,
		stopped:    make(chan struct{}),
	}
}

// LoadSnapshot reads every rule file, validates each record, and swaps in a
// new snapshot. A file that fails to parse is skipped with a warning; a rule
// that fails validation is an error so misconfiguration surfaces at startup.
func (l *Loader) LoadSnapshot() (*Snapshot, error) {
	files, err := l.readRuleFiles()
	if err != nil {
		return nil, fmt.Errorf("failed to read rule files: %w", err)
	}

	ruleMap := make(map[string]Rule)
	for _, file := range files {
		loaded, err := l.loadRulesFromFile(file)
		if err != nil {
			l.logger.Warn("Failed to load rules from file", "file", file, "error", err)
			continue
		}
		for _, rule := range loaded {
			if !rule.Enabled {
				l.logger.Debug("Skipping disabled rule", "rule_id", rule.ID, "file", file)
				continue
			}
			if err := rule.Validate(); err != nil {
				return nil, fmt.Errorf("invalid rule %q in %s: %w", rule.ID, file, err)
			}
			if existing, exists := ruleMap[rule.ID]; exists {
				l.logger.Info("Rule ID conflict resolved by filename override",
					"rule_id", rule.ID,
					"new_file", file,
					"old_file", existing.SourceFile)
			}
			rule.SourceFile = file
			ruleMap[rule.ID] = rule
		}
	}

	allRules := make([]Rule, 0, len(ruleMap))
	for _, rule := range ruleMap {
		allRules = append(allRules, rule)
	}
	sort.Slice(allRules, func(i, j int) bool {
		return allRules[i].ID < allRules[j].ID
	})

	snapshot := &Snapshot{
		Rules:   allRules,
		Version: time.Now().UnixNano(),
	}

	l.mu.Lock()
	l.snapshot = snapshot
	l.mu.Unlock()

	l.logger.Info("Classification rules loaded",
		"total_rules", len(allRules),
		"version", snapshot.Version)

	return snapshot, nil
}

// GetSnapshot returns the current snapshot. The returned slice is a copy.
func (l *Loader) GetSnapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.snapshot == nil {
		return &Snapshot{Rules: []Rule{}, Version: 0}
	}
	rulesCopy := make([]Rule, len(l.snapshot.Rules))
	copy(rulesCopy, l.snapshot.Rules)
	return &Snapshot{Rules: rulesCopy, Version: l.snapshot.Version}
}

// WatchForChanges starts the fsnotify watcher with debounced reloads. A
// reload that fails keeps the previous snapshot in place.
func (l *Loader) WatchForChanges() error {
	if !l.hotReload {
		l.logger.Info("Rule hot reload disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule watcher: %w", err)
	}
	if err := watcher.Add(l.rulesDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.rulesDir, err)
	}
	l.watcher = watcher

	go l.watchLoop()
	l.logger.Info("Rule file watcher started", "rules_dir", l.rulesDir)
	return nil
}

// Close stops the file watcher if one is running.
func (l *Loader) Close() {
	close(l.stopped)
	if l.watcher != nil {
		l.watcher.Close()
	}
}

func (l *Loader) watchLoop() {
	var timer *time.Timer
	debounce := time.Duration(l.debounceMs) * time.Millisecond

	for {
		select {
		case <-l.stopped:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				l.logger.Info("Rule files changed, reloading")
				if _, err := l.LoadSnapshot(); err != nil {
					l.logger.Error("Rule reload failed, keeping previous snapshot", "error", err)
				}
			})
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error("Rule watcher error", "error", err)
		}
	}
}

func (l *Loader) readRuleFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(l.rulesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isRuleFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func isRuleFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ruleFile is the on-disk document shape: a list of rules under a single key
// so one file can carry a whole table.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

func (l *Loader) loadRulesFromFile(filename string) ([]Rule, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Rules) > 0 {
		return doc.Rules, nil
	}

	// Fall back to a bare list of rules.
	var list []Rule
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return list, nil
}
