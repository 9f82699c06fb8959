package autotune

import (
	"fmt"
	"log"
	"os"
)

// openLog truncates the tune log. Failures only disable file logging.
func (t *Tuner) openLog() {
	t.closeLog()
	if t.cfg.LogPath == "" {
		return
	}
	f, err := os.Create(t.cfg.LogPath)
	if err != nil {
		log.Printf("[autotune] failed to open %s: %v", t.cfg.LogPath, err)
		return
	}
	t.file = f
}

func (t *Tuner) closeLog() {
	if t.file == nil {
		return
	}
	if err := t.file.Close(); err != nil {
		log.Printf("[autotune] failed to close log: %v", err)
	}
	t.file = nil
}

// logf writes one line to the process log and the tune log.
func (t *Tuner) logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	log.Printf("[autotune] %s", line)
	if t.file == nil {
		return
	}
	ts := t.clk.Now().Format("15:04:05.000")
	if _, err := fmt.Fprintf(t.file, "%s %s\n", ts, line); err != nil {
		log.Printf("[autotune] log write failed: %v", err)
		return
	}
	if err := t.file.Sync(); err != nil {
		log.Printf("[autotune] log sync failed: %v", err)
	}
}
