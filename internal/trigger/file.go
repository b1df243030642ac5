package trigger

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flowgrid/flowgrid/internal/engine"
	"github.com/flowgrid/flowgrid/internal/platform/logger"
	"github.com/flowgrid/flowgrid/internal/workflow/model"
	"github.com/flowgrid/flowgrid/internal/workflow/store"
)

// Watcher fires file-triggered workflows on filesystem events under a watch
// directory. Each event submits to every active workflow whose file trigger
// matches the path.
type Watcher struct {
	engine    Submitter
	workflows store.Store
	log       logger.Logger
	watchDir  string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher over the given directory.
func NewWatcher(eng Submitter, workflows store.Store, watchDir string, log logger.Logger) *Watcher {
	return &Watcher{
		engine:    eng,
		workflows: workflows,
		log:       log,
		watchDir:  watchDir,
		done:      make(chan struct{}),
	}
}

// Start begins watching. The loop runs until Stop is called.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.watchDir); err != nil {
		fw.Close()
		return err
	}
	w.watcher = fw

	go w.loop()
	w.log.Info("file watcher started", "dir", w.watchDir)
	return nil
}

// Stop ends the watch loop.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		w.watcher.Close()
	}
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.fire(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("file watcher error", "error", err)
		}
	}
}

// fire submits the event to every matching file-triggered workflow.
func (w *Watcher) fire(event fsnotify.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	wfs, err := activeWorkflows(ctx, w.workflows, model.TriggerFile)
	if err != nil {
		w.log.Error("listing file-triggered workflows failed", "error", err)
		return
	}

	input := map[string]interface{}{
		"path":       event.Name,
		"name":       filepath.Base(event.Name),
		"event":      eventName(event.Op),
		"occurredAt": time.Now().UTC().Format(time.RFC3339),
	}

	for _, wf := range wfs {
		node, ok := triggerNode(wf, "fileTrigger")
		if !ok {
			continue
		}
		if pattern, _ := node.Parameters["pattern"].(string); pattern != "" {
			matched, err := filepath.Match(pattern, filepath.Base(event.Name))
			if err != nil || !matched {
				continue
			}
		}

		id, err := w.engine.Submit(ctx, wf, input, engine.Options{TriggerType: model.TriggerFile})
		if err != nil {
			w.log.Error("file submission failed", "workflow_id", wf.ID, "error", err)
			continue
		}
		w.log.Info("file trigger fired",
			"workflow_id", wf.ID, "execution_id", id, "path", event.Name)
	}
}

func eventName(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "create"
	case op&fsnotify.Write != 0:
		return "write"
	case op&fsnotify.Remove != 0:
		return "remove"
	case op&fsnotify.Rename != 0:
		return "rename"
	}
	return strings.ToLower(op.String())
}
