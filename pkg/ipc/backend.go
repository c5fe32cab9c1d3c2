package ipc

// NodeStatus answers node.status: a snapshot of what the metadata store
// and active sessions currently know.
type NodeStatus struct {
	FileCount       int    `json:"file_count"`
	TopicCount      int    `json:"topic_count"`
	TotalBytes      uint64 `json:"total_bytes"`
	ActiveDownloads int    `json:"active_downloads"`
	Uptime          string `json:"uptime"`
}

// NetworkStats answers network.stats: aggregate swarm connectivity.
type NetworkStats struct {
	ConnectedPeers int     `json:"connected_peers"`
	BytesRecv      uint64  `json:"bytes_received"`
	BytesSent      uint64  `json:"bytes_sent"`
	AvgSpeedMiBps  float64 `json:"avg_speed_mibps"`
}

// TopicInfo answers topic.list: one joined or known topic.
type TopicInfo struct {
	Name     string `json:"name"`
	Key      string `json:"key"` // hex-encoded topic key
	AutoJoin bool   `json:"auto_join"`
	JoinedAt int64  `json:"joined_at"`
}

// Backend is everything the IPC server needs from the running daemon. It
// is kept deliberately narrow so pkg/ipc depends only on this interface,
// not on pkg/store or pkg/swarmtransport directly — the daemon
// entrypoint supplies the concrete implementation.
type Backend interface {
	Status() (NodeStatus, error)
	NetworkStats() NetworkStats
	TopicList() ([]TopicInfo, error)
	TopicJoin(name string, keyHex string) error
	TopicLeave(name string) error
	LogTail(n int) []string
	Shutdown() error
}
