package daemon

import "meshd/internal/metrics"

func readSnapshotFile(path string) (metrics.Snapshot, error) {
	return metrics.ReadSnapshot(path)
}
