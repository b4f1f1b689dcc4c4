package polling

import "time"

// Change 记录一次合并中被磁盘覆盖（或拒绝覆盖）的状态。
type Change struct {
	Key      string
	From     Status
	To       Status
	Rejected bool
}

// merge 将磁盘副本并入内存集合。两侧都存在且状态不同时以磁盘为准；
// 已完成或已取消的任务是链上事实，任何一侧都不能再改写。只在一侧存在的任务保留。
func merge(memory taskSet, disk *State, now time.Time) []Change {
	if disk == nil {
		return nil
	}
	incoming := make(taskSet)
	incoming.absorb(disk)

	var changes []Change
	for key, onDisk := range incoming {
		current, ok := memory[key]
		if !ok {
			if onDisk.Status.Valid() {
				memory[key] = onDisk
			}
			continue
		}
		if current.Status == onDisk.Status {
			continue
		}
		change := Change{Key: key, From: current.Status, To: onDisk.Status}
		if current.Status.Final() || !onDisk.Status.Valid() {
			change.Rejected = true
			changes = append(changes, change)
			continue
		}
		current.Status = onDisk.Status
		current.UpdatedAt = now
		changes = append(changes, change)
	}
	return changes
}
