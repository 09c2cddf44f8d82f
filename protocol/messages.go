package protocol

// ChangeKind 结构变更类型
type ChangeKind string

const (
	ChangeInserted ChangeKind = "inserted"
	ChangeModified ChangeKind = "modified"
	ChangeMoved    ChangeKind = "moved"
	ChangeRemoved  ChangeKind = "removed"
)

// SSE event names used on the tunnel stream.
const (
	EventSnapshot  = "snapshot"
	EventChange    = "change"
	EventHeartbeat = "heartbeat"
)

// Change 描述一次注册表结构变更，足以增量更新镜像视图
// Index is the affected position for inserted/modified/removed; From/To
// are set for moved. Key and Status describe the record after the change
// (the removed record for removals). OldKey is set when a rename changed
// the key.
type Change struct {
	Seq    uint64     `json:"seq"`
	Kind   ChangeKind `json:"kind"`
	Index  int        `json:"index"`
	From   int        `json:"from,omitempty"`
	To     int        `json:"to,omitempty"`
	Key    string     `json:"key"`
	OldKey string     `json:"old_key,omitempty"`
	Status string     `json:"status"`
}

// Entry 镜像视图中的一行
type Entry struct {
	Key    string `json:"key"`
	Status string `json:"status"`
}

// Snapshot 订阅时发送的完整视图，Seq 为生成快照时最后一个变更序号
type Snapshot struct {
	Seq     uint64  `json:"seq"`
	Entries []Entry `json:"entries"`
}
