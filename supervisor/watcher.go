package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xiaoyuanzhu-com/agent-hub/events"
	"github.com/xiaoyuanzhu-com/agent-hub/log"
)

// watchDebounce coalesces the bursts of writes one agent turn produces.
const watchDebounce = 100 * time.Millisecond

// LogWatcher watches the projects directory for session log writes and
// publishes file-activity events. The layout is
// <projectsDir>/<projectID>/<sessionID>.jsonl; new project directories are
// picked up as they appear.
type LogWatcher struct {
	projectsDir string
	bus         *events.Bus
	watcher     *fsnotify.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLogWatcher creates a watcher over projectsDir, creating it if needed.
func NewLogWatcher(projectsDir string, bus *events.Bus) (*LogWatcher, error) {
	if err := os.MkdirAll(projectsDir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &LogWatcher{projectsDir: projectsDir, bus: bus, watcher: w}, nil
}

// Start begins watching; existing project directories are added first.
func (lw *LogWatcher) Start() error {
	if err := lw.watcher.Add(lw.projectsDir); err != nil {
		return err
	}
	entries, err := os.ReadDir(lw.projectsDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := lw.watcher.Add(filepath.Join(lw.projectsDir, entry.Name())); err != nil {
				log.Warn().Err(err).Str("dir", entry.Name()).Msg("failed to watch project directory")
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	lw.cancel = cancel
	lw.wg.Add(1)
	go lw.watchLoop(ctx)
	return nil
}

// Close stops the watcher.
func (lw *LogWatcher) Close() {
	if lw.cancel != nil {
		lw.cancel()
	}
	lw.watcher.Close()
	lw.wg.Wait()
}

// watchLoop translates fsnotify events into debounced file-activity
// publications, one pending slot per session.
func (lw *LogWatcher) watchLoop(ctx context.Context) {
	defer lw.wg.Done()

	debounce := time.NewTimer(0)
	<-debounce.C
	pending := make(map[string]string) // sessionID -> projectID

	for {
		select {
		case event, ok := <-lw.watcher.Events:
			if !ok {
				return
			}
			lw.handleFSEvent(event, pending)
			if len(pending) > 0 {
				debounce.Reset(watchDebounce)
			}

		case <-debounce.C:
			for sessionID, projectID := range pending {
				lw.bus.Publish(&events.FileActivity{SessionID: sessionID, ProjectID: projectID})
			}
			pending = make(map[string]string)

		case err, ok := <-lw.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("fsnotify error")

		case <-ctx.Done():
			return
		}
	}
}

func (lw *LogWatcher) handleFSEvent(event fsnotify.Event, pending map[string]string) {
	// New project directories start being watched as they appear.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if filepath.Dir(event.Name) == lw.projectsDir {
				if err := lw.watcher.Add(event.Name); err != nil {
					log.Warn().Err(err).Str("dir", event.Name).Msg("failed to watch new project directory")
				}
			}
			return
		}
	}

	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}

	sessionID := strings.TrimSuffix(filepath.Base(event.Name), ".jsonl")
	projectID := filepath.Base(filepath.Dir(event.Name))
	if sessionID == "" || projectID == "" {
		return
	}
	pending[sessionID] = projectID
}
