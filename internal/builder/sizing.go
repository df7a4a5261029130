package builder

// MinSegmentRows is the smallest segment the sizing helper proposes.
const MinSegmentRows = 200_000

// TargetSegments is the number of level-0 segments a full ingestion should
// produce at most.
const TargetSegments = 32

// SegmentRows proposes a seal threshold in rows for an ingestion of
// expectedRows records of avgRecordSize bytes under a memory budget shared
// by partitions buffers.
func SegmentRows(expectedRows int64, avgRecordSize int, memoryBudget int64, partitions int) int {
	rows := max(expectedRows/TargetSegments, MinSegmentRows)
	if memoryBudget > 0 && avgRecordSize > 0 {
		perPartition := memoryBudget / int64(max(partitions, 1))
		byBudget := perPartition / int64(avgRecordSize+entryOverhead)
		rows = min(rows, max(byBudget, 1))
	}
	return int(rows)
}
