package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"swarm/pkg/coordinator"
)

// spoolTask is the on-disk task definition dropped into the spool directory.
type spoolTask struct {
	ID              string   `yaml:"id" json:"id"`
	Goal            string   `yaml:"goal" json:"goal"`
	Argv            []string `yaml:"argv" json:"argv"`
	Dependencies    []string `yaml:"dependencies" json:"dependencies"`
	Capabilities    []string `yaml:"capabilities" json:"capabilities"`
	Priority        int      `yaml:"priority" json:"priority"`
	MaxRetries      int      `yaml:"max_retries" json:"max_retries"`
	Timeout         string   `yaml:"timeout" json:"timeout"`
	TolerateFailure bool     `yaml:"tolerate_failure" json:"tolerate_failure"`
}

func (s spoolTask) toTask() (coordinator.Task, error) {
	t := coordinator.Task{
		ID:              s.ID,
		Goal:            s.Goal,
		Argv:            s.Argv,
		Dependencies:    s.Dependencies,
		Capabilities:    s.Capabilities,
		Priority:        s.Priority,
		MaxRetries:      s.MaxRetries,
		TolerateFailure: s.TolerateFailure,
	}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return t, fmt.Errorf("parse timeout: %w", err)
		}
		t.Timeout = d
	}
	return t, nil
}

// spoolWatcher turns files dropped into the spool directory into task
// submissions and cancellations. File events drive intake; a fallback poll
// catches anything an event missed.
type spoolWatcher struct {
	dir    string
	coord  *coordinator.Coordinator
	logger *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// startSpoolWatcher begins watching dir. Existing files are ingested
// immediately so tasks spooled while the daemon was down are not lost.
func startSpoolWatcher(dir string, coord *coordinator.Coordinator, logger *slog.Logger) (*spoolWatcher, error) {
	w := &spoolWatcher{
		dir:    dir,
		coord:  coord,
		logger: logger,
		done:   make(chan struct{}),
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w.scan()

	w.wg.Add(1)
	go w.loop(fsw)
	return w, nil
}

func (w *spoolWatcher) loop(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fsw.Close()

	poll := time.NewTicker(5 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename) {
				w.scan()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("spool watch error", "error", err)
		case <-poll.C:
			w.scan()
		}
	}
}

// scan ingests every actionable file currently in the spool.
func (w *spoolWatcher) scan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("spool scan failed", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(w.dir, name)
		switch {
		case strings.HasSuffix(name, ".cancel"):
			w.ingestCancel(path, strings.TrimSuffix(name, ".cancel"))
		case strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"), strings.HasSuffix(name, ".json"):
			w.ingestTask(path)
		}
	}
}

func (w *spoolWatcher) ingestTask(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("spool read failed", "path", path, "error", err)
		return
	}

	var spec spoolTask
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, &spec)
	} else {
		err = yaml.Unmarshal(data, &spec)
	}
	if err != nil {
		w.reject(path, err)
		return
	}

	task, err := spec.toTask()
	if err != nil {
		w.reject(path, err)
		return
	}
	id, err := w.coord.Submit(task)
	if err != nil {
		w.reject(path, err)
		return
	}

	if err := os.Remove(path); err != nil {
		w.logger.Warn("spool cleanup failed", "path", path, "error", err)
	}
	w.logger.Info("task spooled", "task_id", id, "file", filepath.Base(path))
}

func (w *spoolWatcher) ingestCancel(path, taskID string) {
	err := w.coord.Cancel(taskID)
	if err != nil {
		w.logger.Warn("spooled cancel failed", "task_id", taskID, "error", err)
	} else {
		w.logger.Info("task cancelled via spool", "task_id", taskID)
	}
	if rmErr := os.Remove(path); rmErr != nil {
		w.logger.Warn("spool cleanup failed", "path", path, "error", rmErr)
	}
}

// reject moves a bad spool file aside so it is not retried forever.
func (w *spoolWatcher) reject(path string, cause error) {
	w.logger.Warn("spool file rejected", "path", path, "error", cause)
	if err := os.Rename(path, path+".rejected"); err != nil {
		w.logger.Warn("spool reject rename failed", "path", path, "error", err)
	}
}

// Close stops the watcher.
func (w *spoolWatcher) Close() {
	close(w.done)
	w.wg.Wait()
}
