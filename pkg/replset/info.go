package replset

// NodeInfo is the introspection view of one member.
type NodeInfo struct {
	Addr           string `json:"addr" bson:"addr"`
	Ok             bool   `json:"ok" bson:"ok"`
	IsMaster       bool   `json:"ismaster" bson:"ismaster"`
	Hidden         bool   `json:"hidden" bson:"hidden"`
	Secondary      bool   `json:"secondary" bson:"secondary"`
	PingTimeMillis int64  `json:"pingTimeMillis" bson:"pingTimeMillis"`
}

// SetInfo is a structured snapshot of a monitor's state, suitable for
// status endpoints and tooling.
type SetInfo struct {
	Hosts     []NodeInfo `json:"hosts" bson:"hosts"`
	Master    int        `json:"master" bson:"master"`
	NextSlave int        `json:"nextSlave" bson:"nextSlave"`
}

// AppendInfo returns the monitor's current introspection snapshot.
func (m *Monitor) AppendInfo() SetInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := SetInfo{
		Hosts:     make([]NodeInfo, 0, len(m.nodes)),
		Master:    m.master,
		NextSlave: m.nextSlave,
	}
	for _, n := range m.nodes {
		info.Hosts = append(info.Hosts, NodeInfo{
			Addr:           n.addr.String(),
			Ok:             n.ok,
			IsMaster:       n.ismaster,
			Hidden:         n.hidden,
			Secondary:      n.secondary,
			PingTimeMillis: n.pingTimeMillis,
		})
	}
	return info
}
