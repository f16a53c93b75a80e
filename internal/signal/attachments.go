package signal

import (
	"os"
	"strings"
)

// containerAttachmentsDir is where attachment files appear inside the
// agent container.
const containerAttachmentsDir = "/workspace/signal-attachments"

// locateAttachment finds the on-disk file backing an attachment id.
// signal-cli names files "<id>" or "<id>.<ext>", so matching is by exact
// name or "<id>." prefix. Containment matching would let a short id
// collide with a longer one.
func locateAttachment(dir, id string) (name string, ok bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if n == id || strings.HasPrefix(n, id+".") {
			return n, true
		}
	}
	return "", false
}
