package scheduler

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// diskFree reports the free bytes on the filesystem holding dir,
// walking up to the nearest existing parent when dir is not created
// yet.
func diskFree(dir string) (int64, error) {
	probe := dir
	for {
		if _, err := os.Stat(probe); err == nil {
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}

	var st unix.Statfs_t
	if err := unix.Statfs(probe, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
